package server

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
)

// 签名请求头。治理/守护操作不持有链上私钥之外的凭证，
// 调用方用自己的 secp256k1 私钥对请求做 personal_sign，
// 服务端恢复地址后交给 oracle 层做角色检查。
const (
	HeaderTimestamp = "X-Oracle-Timestamp"
	HeaderSignature = "X-Oracle-Signature"

	// 签名时间戳允许的偏移（秒），超出则拒绝
	signatureMaxSkew = 300
)

const callerKey = "pairguard_caller"

// canonicalMessage 构造待签名的规范消息
func canonicalMessage(method, path, timestamp string, body []byte) []byte {
	bodyHash := crypto.Keccak256Hash(body)
	msg := fmt.Sprintf("%s\n%s\n%s\n%s", method, path, timestamp, bodyHash.Hex())
	return []byte(msg)
}

// personalHash EIP-191 personal_sign 哈希
func personalHash(msg []byte) common.Hash {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256Hash([]byte(prefixed))
}

// SignRequest 给出站请求加上签名头（TUI 和测试使用）
func SignRequest(req *http.Request, body []byte, key *ecdsa.PrivateKey) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	hash := personalHash(canonicalMessage(req.Method, req.URL.Path, ts, body))
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return fmt.Errorf("签名请求失败: %w", err)
	}
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// recoverCaller 校验签名头并恢复调用方地址
func recoverCaller(req *http.Request, body []byte) (common.Address, error) {
	ts := req.Header.Get(HeaderTimestamp)
	sigHex := req.Header.Get(HeaderSignature)
	if ts == "" || sigHex == "" {
		return common.Address{}, fmt.Errorf("缺少签名头 %s/%s", HeaderTimestamp, HeaderSignature)
	}

	tsVal, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("时间戳无效: %w", err)
	}
	skew := time.Now().Unix() - tsVal
	if skew < -signatureMaxSkew || skew > signatureMaxSkew {
		return common.Address{}, fmt.Errorf("签名时间戳超出允许偏移: %ds", skew)
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("签名格式无效: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度无效: %d", len(sig))
	}
	// 兼容 v=27/28 的钱包签名
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append(bytes.Clone(sig[:crypto.RecoveryIDOffset]), sig[crypto.RecoveryIDOffset]-27)
	}

	hash := personalHash(canonicalMessage(req.Method, req.URL.Path, ts, body))
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// signed 包装需要调用方身份的 handler
func (s *Server) signed(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		caller, err := recoverCaller(c.Request, body)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(callerKey, caller)
		h(c)
	}
}

func callerFrom(c *gin.Context) common.Address {
	v, _ := c.Get(callerKey)
	addr, _ := v.(common.Address)
	return addr
}
