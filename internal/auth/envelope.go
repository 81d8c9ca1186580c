package auth

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "DACTP-Chain/internal/errors"
)

func keccak(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// Digest 计算请求签名摘要。
func Digest(method, uri string, nonce uint64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(signingPrefix)
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(uri)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatUint(nonce, 10))
	buf.WriteByte('\n')
	buf.Write(body)
	return keccak(buf.Bytes())
}

// Sign 使用 secp256k1 私钥对请求签名，返回 65 字节的 [R || S || V]。
func Sign(key *ecdsa.PrivateKey, method, uri string, nonce uint64, body []byte) ([]byte, error) {
	sig, err := crypto.Sign(Digest(method, uri, nonce, body), key)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return sig, nil
}

// Verify 校验签名是否由 signer 产生。
func Verify(signer common.Address, method, uri string, nonce uint64, body, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return xerrors.New(xerrors.CodeUnauthorized, "signature must be 65 bytes")
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(method, uri, nonce, body), normalized)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnauthorized, err, ErrInvalidSignature.Message())
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return xerrors.New(xerrors.CodeUnauthorized, ErrInvalidSignature.Message(), xerrors.WithMetadata("signer", signer.Hex()))
	}
	return nil
}

// SignRequest 为 HTTP 请求附加签名头，请求体会被读取后复原。
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, nonce uint64) error {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
		body = data
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	sig, err := Sign(key, req.Method, req.URL.RequestURI(), nonce, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSigner, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderNonce, strconv.FormatUint(nonce, 10))
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

func decodeSignature(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnauthorized, err, "signature is not hex encoded")
	}
	return sig, nil
}
