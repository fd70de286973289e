package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/pkg/logger"
)

const maxNonceLen = 128

// Service 负责识别每个 HTTP 请求的调用方地址。
type Service struct {
	mode   Mode
	cfg    Config
	nonces NonceStore
	now    func() time.Time
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。签名模式必须提供 nonce 存储。
func NewService(cfg Config, nonces NonceStore) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeSignature
	}
	svc := &Service{
		mode:   mode,
		cfg:    cfg.withDefaults(),
		nonces: nonces,
		now:    time.Now,
		audit:  logger.Audit(),
	}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeSignature:
		if nonces == nil {
			return nil, fmt.Errorf("signature mode requires a nonce store")
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证请求并返回调用方地址。请求体会被读取后重新放回 r.Body。
func (s *Service) AuthenticateRequest(ctx context.Context, r *http.Request) (escrow.Actor, error) {
	if s == nil || s.mode == ModeDisabled {
		raw := strings.TrimSpace(r.Header.Get(HeaderActor))
		if raw == "" {
			return escrow.Actor{}, nil
		}
		if !common.IsHexAddress(raw) {
			return escrow.Actor{}, xerrors.New(CodeMissingCredentials, "actor header is not an address")
		}
		return common.HexToAddress(raw), nil
	}

	signerHex := strings.TrimSpace(r.Header.Get(HeaderSigner))
	sigHex := strings.TrimSpace(r.Header.Get(HeaderSignature))
	tsRaw := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if signerHex == "" || sigHex == "" || tsRaw == "" || nonce == "" {
		return escrow.Actor{}, ErrMissingCredentials
	}
	if !common.IsHexAddress(signerHex) || len(nonce) > maxNonceLen {
		return escrow.Actor{}, ErrMissingCredentials
	}
	signer := common.HexToAddress(signerHex)

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return escrow.Actor{}, ErrStaleRequest
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxSkew {
		return escrow.Actor{}, ErrStaleRequest.With(xerrors.WithMetadata("timestamp", tsRaw))
	}

	body, err := readBody(r, s.cfg.MaxBodyBytes)
	if err != nil {
		return escrow.Actor{}, err
	}
	recovered, err := RecoverSigner(CanonicalMessage(r.Method, r.URL.RequestURI(), ts, nonce, body), sigHex)
	if err != nil || recovered != signer {
		return escrow.Actor{}, ErrInvalidSignature.With(xerrors.WithMetadata("signer", signer.Hex()))
	}

	fresh, err := s.nonces.Claim(ctx, signer, nonce, s.cfg.NonceTTL)
	if err != nil {
		return escrow.Actor{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "nonce store unavailable")
	}
	if !fresh {
		return escrow.Actor{}, ErrReplayedNonce.With(xerrors.WithMetadata("signer", signer.Hex()))
	}
	return signer, nil
}

// CanonicalMessage 返回请求的待签名消息。
func CanonicalMessage(method, requestURI string, timestamp int64, nonce string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(requestURI)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.WriteString(nonce)
	buf.WriteByte('\n')
	buf.WriteString(crypto.Keccak256Hash(body).Hex())
	return buf.Bytes()
}

// RecoverSigner 从 EIP-191 个人签名中恢复签名地址，v 接受 0/1 或 27/28。
func RecoverSigner(message []byte, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignRequest 为请求附加签名头，供客户端与测试使用。body 必须与实际发送的请求体一致。
func SignRequest(r *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time, nonce string) error {
	ts := now.Unix()
	sig, err := crypto.Sign(accounts.TextHash(CanonicalMessage(r.Method, r.URL.RequestURI(), ts, nonce, body)), key)
	if err != nil {
		return err
	}
	sig[crypto.RecoveryIDOffset] += 27
	r.Header.Set(HeaderSigner, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNonce, nonce)
	return nil
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body")
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
