package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	xerrors "OpenGuardian/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 以出价账户的身份签名交易。
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Config 描述签名密钥的来源。PrivateKey 与 KeystoreFile 二选一。
type Config struct {
	PrivateKey   string `yaml:"private_key"`
	KeystoreFile string `yaml:"keystore_file"`
	Passphrase   string `yaml:"passphrase"`
}

// KeySigner 使用本地 secp256k1 私钥签名。私钥不会离开本结构。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*KeySigner)(nil)

// FromHex 解析十六进制私钥，允许 0x 前缀。
func FromHex(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return newKeySigner(key), nil
}

// FromKeystore 解密 keystore 文件。
func FromKeystore(path, passphrase string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取 keystore 文件 %s 失败", path))
	}
	k, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解密 keystore 失败")
	}
	return newKeySigner(k.PrivateKey), nil
}

// Load 按配置加载签名者。expected 非空时校验派生地址与之一致。
func Load(cfg Config, expected string) (*KeySigner, error) {
	var (
		s   *KeySigner
		err error
	)
	switch {
	case strings.TrimSpace(cfg.PrivateKey) != "":
		s, err = FromHex(cfg.PrivateKey)
	case strings.TrimSpace(cfg.KeystoreFile) != "":
		s, err = FromKeystore(cfg.KeystoreFile, cfg.Passphrase)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置签名密钥")
	}
	if err != nil {
		return nil, err
	}

	expected = strings.TrimSpace(expected)
	if expected == "" {
		return s, nil
	}
	if !common.IsHexAddress(expected) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("出价地址 %s 格式无效", expected))
	}
	if common.HexToAddress(expected) != s.address {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("签名密钥地址 %s 与配置的出价地址 %s 不一致", s.address.Hex(), expected))
	}
	return s, nil
}

func newKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address 返回签名账户地址。
func (s *KeySigner) Address() common.Address { return s.address }

// SignTx 使用链 ID 对应的最新签名规则签名。
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	if chainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链 ID 不能为空")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名交易失败")
	}
	return signed, nil
}

func (s *KeySigner) String() string {
	return "signer(" + s.address.Hex() + ")"
}
