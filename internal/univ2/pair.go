package univ2

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/pkg/cache"
)

// ContractCaller 合约只读调用的最小接口（ethclient.Client 满足；测试可替换）
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PairClient UniswapV2 交易对客户端（只读）。
// 实现 oracle.Pool：提供储备、最后更新时间与两侧累积价格。
type PairClient struct {
	caller   ContractCaller
	pairAddr common.Address
	pairABI  abi.ABI
	erc20ABI abi.ABI

	// token0/token1/decimals 是合约的不可变量，读一次就缓存
	meta *cache.InMemoryCache[string, any]
}

// Dial 连接 RPC 节点并创建交易对客户端
func Dial(rpcURL string, pairAddr common.Address) (*PairClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接RPC节点失败: %w", err)
	}
	return NewPairClient(client, pairAddr)
}

// NewPairClient 基于已有调用器创建客户端
func NewPairClient(caller ContractCaller, pairAddr common.Address) (*PairClient, error) {
	pairABI, err := abi.JSON(strings.NewReader(PairABI))
	if err != nil {
		return nil, fmt.Errorf("解析Pair ABI失败: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析ERC20 ABI失败: %w", err)
	}
	return &PairClient{
		caller:   caller,
		pairAddr: pairAddr,
		pairABI:  pairABI,
		erc20ABI: erc20ABI,
		meta:     cache.NewInMemoryCache[string, any](0),
	}, nil
}

// call 打包并执行一次 view 调用
func (c *PairClient) call(ctx context.Context, contractABI abi.ABI, to common.Address, method string) ([]any, error) {
	data, err := contractABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("打包%s参数失败: %w", method, err)
	}
	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用%s失败: %w", method, err)
	}
	out, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("解析%s结果失败: %w", method, err)
	}
	return out, nil
}

// GetReserves 返回 (reserve0, reserve1, blockTimestampLast)
func (c *PairClient) GetReserves(ctx context.Context) (*uint256.Int, *uint256.Int, uint32, error) {
	out, err := c.call(ctx, c.pairABI, c.pairAddr, "getReserves")
	if err != nil {
		return nil, nil, 0, err
	}
	if len(out) != 3 {
		return nil, nil, 0, fmt.Errorf("getReserves 返回值数量异常: %d", len(out))
	}
	r0, err := toUint256(out[0])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reserve0: %w", err)
	}
	r1, err := toUint256(out[1])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reserve1: %w", err)
	}
	ts, ok := out[2].(uint32)
	if !ok {
		return nil, nil, 0, fmt.Errorf("blockTimestampLast 类型异常: %T", out[2])
	}
	return r0, r1, ts, nil
}

// Price0CumulativeLast token0 的累积价格（mod 2^256）
func (c *PairClient) Price0CumulativeLast(ctx context.Context) (*uint256.Int, error) {
	return c.cumulative(ctx, "price0CumulativeLast")
}

// Price1CumulativeLast token1 的累积价格（mod 2^256）
func (c *PairClient) Price1CumulativeLast(ctx context.Context) (*uint256.Int, error) {
	return c.cumulative(ctx, "price1CumulativeLast")
}

func (c *PairClient) cumulative(ctx context.Context, method string) (*uint256.Int, error) {
	out, err := c.call(ctx, c.pairABI, c.pairAddr, method)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(out))
	}
	v, err := toUint256(out[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}

// Token0 交易对的第一个代币地址
func (c *PairClient) Token0(ctx context.Context) (common.Address, error) {
	return c.tokenAddr(ctx, "token0")
}

// Token1 交易对的第二个代币地址
func (c *PairClient) Token1(ctx context.Context) (common.Address, error) {
	return c.tokenAddr(ctx, "token1")
}

func (c *PairClient) tokenAddr(ctx context.Context, method string) (common.Address, error) {
	if v, ok := c.meta.Get(method); ok {
		return v.(common.Address), nil
	}
	out, err := c.call(ctx, c.pairABI, c.pairAddr, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s 类型异常: %T", method, out[0])
	}
	c.meta.Set(method, addr, 0)
	return addr, nil
}

// Decimals 读取代币精度（构造期调用一次，固定 baseUnit）
func (c *PairClient) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	key := "decimals:" + token.Hex()
	if v, ok := c.meta.Get(key); ok {
		return v.(uint8), nil
	}
	out, err := c.call(ctx, c.erc20ABI, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals 类型异常: %T", out[0])
	}
	c.meta.Set(key, d, 0)
	return d, nil
}

// SideOf 判断被定价资产对应交易对的哪一侧（0 或 1）。
// 地址不属于该交易对时报错。
func (c *PairClient) SideOf(ctx context.Context, pricedToken common.Address) (int, error) {
	t0, err := c.Token0(ctx)
	if err != nil {
		return 0, err
	}
	if pricedToken == t0 {
		return 0, nil
	}
	t1, err := c.Token1(ctx)
	if err != nil {
		return 0, err
	}
	if pricedToken == t1 {
		return 1, nil
	}
	return 0, fmt.Errorf("代币 %s 不属于交易对 %s", pricedToken.Hex(), c.pairAddr.Hex())
}

func toUint256(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("期望 *big.Int，得到 %T", v)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("数值超出 uint256: %s", b.String())
	}
	return out, nil
}
