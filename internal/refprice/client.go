package refprice

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/betbot/pairguard/pkg/cache"
)

// Client 外部参考预言机客户端。
// rangebound 变体在构造期通过它取一次平滑参考价，用于播种 ceiling/floor。
// 新鲜度检查不在本层做（由上游预言机自己保证）。
type Client struct {
	client *resty.Client

	// 短 TTL 缓存，避免连续播种/重试时重复打上游接口
	prices *cache.InMemoryCache[string, *uint256.Int]
}

// priceResponse 参考价接口返回
// price 为 1e18 缩放的十进制字符串
type priceResponse struct {
	Price string `json:"price"`
}

// NewClient 创建客户端。url 为完整的参考价接口地址。
func NewClient(url string) *Client {
	url = strings.TrimSuffix(url, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY / HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second)

	return &Client{
		client: client,
		prices: cache.NewInMemoryCache[string, *uint256.Int](10 * time.Second),
	}
}

// ReferencePrice 读取参考价（1e18 缩放）
func (c *Client) ReferencePrice(ctx context.Context) (*uint256.Int, error) {
	if v, ok := c.prices.Get("reference"); ok {
		return new(uint256.Int).Set(v), nil
	}
	resp, err := c.client.R().SetContext(ctx).Get("")
	if err != nil {
		return nil, errors.Wrap(err, "获取参考价失败")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("参考价接口返回 %d: %s", resp.StatusCode(), resp.String())
	}

	var body priceResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, errors.Wrap(err, "解析参考价响应失败")
	}
	price, err := uint256.FromDecimal(body.Price)
	if err != nil {
		return nil, errors.Wrapf(err, "非法的参考价: %q", body.Price)
	}
	c.prices.Set("reference", new(uint256.Int).Set(price), 0)
	return price, nil
}
