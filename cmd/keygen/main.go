package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/betbot/pairguard/pkg/secretstore"
)

// keygen 从助记词派生 guardian/governance 密钥并存入 badger 密钥库。
// 控制面的签名请求用这里派生的密钥签发。
func main() {
	var (
		storePath = flag.String("store", getenv("PAIRGUARD_SECRET_STORE", "data/secrets"), "badger 密钥库目录")
		name      = flag.String("name", "guardian", "密钥名（guardian / governance / keeper）")
		index     = flag.Uint("index", 0, "派生路径索引 m/44'/60'/0'/0/<index>")
		force     = flag.Bool("force", false, "已存在同名密钥时覆盖")
	)
	flag.Parse()

	_ = godotenv.Load()

	masterKey, err := loadMasterKey()
	if err != nil {
		fatal(err)
	}

	fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
	mnemonic := strings.TrimSpace(readLine())
	if mnemonic == "" {
		fatal(errors.New("助记词为空"))
	}

	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		fatal(fmt.Errorf("解析助记词失败: %w", err))
	}
	path := hdwallet.MustParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", *index))
	account, err := wallet.Derive(path, false)
	if err != nil {
		fatal(fmt.Errorf("派生账户失败: %w", err))
	}
	privKey, err := wallet.PrivateKey(account)
	if err != nil {
		fatal(fmt.Errorf("读取私钥失败: %w", err))
	}

	store, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *storePath,
		EncryptionKey: masterKey,
	})
	if err != nil {
		fatal(fmt.Errorf("打开密钥库失败: %w", err))
	}
	defer store.Close()

	key := "privkey:" + *name
	if _, found, err := store.Get(key); err != nil {
		fatal(err)
	} else if found && !*force {
		fatal(fmt.Errorf("密钥 %s 已存在（用 -force 覆盖）", *name))
	}

	privHex := fmt.Sprintf("%x", crypto.FromECDSA(privKey))
	if err := store.SetString(key, privHex); err != nil {
		fatal(fmt.Errorf("写入密钥库失败: %w", err))
	}

	fmt.Fprintf(os.Stderr, "已写入密钥 %s\n", *name)
	fmt.Printf("address=%s path=m/44'/60'/0'/0/%d\n", account.Address.Hex(), *index)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

func loadMasterKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv("PAIRGUARD_MASTER_KEY"))
	if raw == "" {
		return nil, errors.New("PAIRGUARD_MASTER_KEY is required (32 bytes, base64 or hex)")
	}
	return secretstore.ParseKey(raw)
}
