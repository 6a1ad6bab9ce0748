package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// oracleState /api/state 的响应
type oracleState struct {
	Variant            string `json:"variant"`
	Sequence           uint64 `json:"sequence"`
	Price              string `json:"price"`
	PriceDecimal       string `json:"price_decimal"`
	TWAP               string `json:"twap"`
	Spot               string `json:"spot"`
	Ceiling            string `json:"ceiling"`
	Floor              string `json:"floor"`
	MaxCeilingBps      uint64 `json:"max_ceiling_bps"`
	MinCeilingBps      uint64 `json:"min_ceiling_bps"`
	MaxFloorBps        uint64 `json:"max_floor_bps"`
	MinFloorBps        uint64 `json:"min_floor_bps"`
	Governance         string `json:"governance"`
	Guardian           string `json:"guardian"`
	SecondsSinceUpdate uint64 `json:"seconds_since_update"`
}

type workableResp struct {
	Workable bool `json:"workable"`
}

type model struct {
	api      *resty.Client
	state    *oracleState
	workable bool
	fetchErr error
	lastSync time.Time
}

// tickMsg 定时器消息
type tickMsg time.Time

// stateMsg 拉取到的最新状态
type stateMsg struct {
	state    *oracleState
	workable bool
	err      error
}

func initialModel(baseURL string) model {
	api := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second)
	return model{api: api}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())
	case stateMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.state = msg.state
			m.workable = msg.workable
			m.lastSync = time.Now()
		}
	}
	return m, nil
}

func (m model) fetchCmd() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		var st oracleState
		resp, err := api.R().SetResult(&st).Get("/api/state")
		if err != nil {
			return stateMsg{err: err}
		}
		if resp.IsError() {
			return stateMsg{err: fmt.Errorf("/api/state: HTTP %d", resp.StatusCode())}
		}

		var wk workableResp
		if resp, err := api.R().SetResult(&wk).Get("/api/workable"); err == nil && !resp.IsError() {
			return stateMsg{state: &st, workable: wk.Workable}
		}
		return stateMsg{state: &st}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) View() string {
	var s strings.Builder

	status := okStyle.Render("已连接")
	if m.fetchErr != nil {
		status = warnStyle.Render("连接失败: " + m.fetchErr.Error())
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("pairguard | %s", status)))
	s.WriteString("\n\n")

	if m.state == nil {
		s.WriteString(dimStyle.Render("等待首次状态拉取..."))
		s.WriteString("\n\n按 q 退出")
		return s.String()
	}
	st := m.state

	prices := renderPanel("价格", [][2]string{
		{"报告价", st.PriceDecimal + "  (" + st.Price + ")"},
		{"TWAP", st.TWAP},
		{"现货", st.Spot},
		{"上限", st.Ceiling},
		{"下限", floorOrDash(st)},
	})

	workableStr := dimStyle.Render("否")
	if m.workable {
		workableStr = okStyle.Render("是")
	}
	meta := renderPanel("状态", [][2]string{
		{"变体", st.Variant},
		{"序号", fmt.Sprintf("%d", st.Sequence)},
		{"距上次更新", fmt.Sprintf("%ds", st.SecondsSinceUpdate)},
		{"可更新", workableStr},
		{"ceiling 带", fmt.Sprintf("%d / %d bps", st.MinCeilingBps, st.MaxCeilingBps)},
	})

	roles := renderPanel("角色", [][2]string{
		{"governance", st.Governance},
		{"guardian", st.Guardian},
	})

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, prices, "  ", meta))
	s.WriteString("\n")
	s.WriteString(roles)
	s.WriteString("\n")
	s.WriteString(dimStyle.Render(fmt.Sprintf("同步于 %s", m.lastSync.Format("15:04:05"))))
	s.WriteString("\n\n按 q 退出，r 立即刷新")

	return s.String()
}

func floorOrDash(st *oracleState) string {
	if st.Floor == "" {
		return "--"
	}
	return st.Floor
}

func renderPanel(title string, rows [][2]string) string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(title))
	s.WriteString("\n\n")
	for _, row := range rows {
		s.WriteString(fmt.Sprintf("  %-12s %s\n", row[0], row[1]))
	}
	return borderStyle.Render(s.String())
}

func main() {
	apiURL := flag.String("api", "http://127.0.0.1:8080", "oracled 控制面地址")
	flag.Parse()

	p := tea.NewProgram(initialModel(*apiURL), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI 退出异常: %v\n", err)
		os.Exit(1)
	}
}

