package auth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
)

var testNow = time.Unix(1_700_000_000, 0)

func newSignatureService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeSignature, MaxSkew: time.Minute}, NewMemoryNonceStore())
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return svc
}

func signedRequest(t *testing.T, body string, at time.Time, nonce string) (*http.Request, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/accept?x=1", bytes.NewBufferString(body))
	require.NoError(t, SignRequest(req, []byte(body), key, at, nonce))
	return req, crypto.PubkeyToAddress(key.PublicKey)
}

func TestSignatureAuthentication(t *testing.T) {
	svc := newSignatureService(t)
	req, signer := signedRequest(t, `{"deliverable":"ipfs://x"}`, testNow, "n-1")

	actor, err := svc.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, signer, actor)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(req.Body)
	require.NoError(t, err)
	require.Equal(t, `{"deliverable":"ipfs://x"}`, buf.String(), "body must remain readable")
}

func TestSignatureRejectsReplay(t *testing.T) {
	svc := newSignatureService(t)
	req, _ := signedRequest(t, "", testNow, "n-1")
	replay := req.Clone(context.Background())

	_, err := svc.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.AuthenticateRequest(context.Background(), replay)
	require.ErrorIs(t, err, ErrReplayedNonce)
}

func TestSignatureRejectsTamperedRequest(t *testing.T) {
	svc := newSignatureService(t)

	req, _ := signedRequest(t, `{"rating":5}`, testNow, "n-1")
	req.Body = bodyOf(`{"rating":1}`)
	_, err := svc.AuthenticateRequest(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidSignature)

	req, _ = signedRequest(t, "", testNow, "n-2")
	req.URL.Path = "/v1/jobs/job-2/accept"
	_, err = svc.AuthenticateRequest(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidSignature)

	req, _ = signedRequest(t, "", testNow, "n-3")
	req.Header.Set(HeaderSigner, common.HexToAddress("0x01").Hex())
	_, err = svc.AuthenticateRequest(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func bodyOf(body string) *readCloser {
	return &readCloser{Reader: bytes.NewReader([]byte(body))}
}

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }

func TestSignatureRejectsStaleTimestamp(t *testing.T) {
	svc := newSignatureService(t)
	for _, at := range []time.Time{testNow.Add(-2 * time.Minute), testNow.Add(2 * time.Minute)} {
		req, _ := signedRequest(t, "", at, "n-"+strconv.FormatInt(at.Unix(), 10))
		_, err := svc.AuthenticateRequest(context.Background(), req)
		require.ErrorIs(t, err, ErrStaleRequest)
	}
	req, _ := signedRequest(t, "", testNow.Add(-time.Minute), "edge")
	_, err := svc.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
}

func TestSignatureRequiresHeaders(t *testing.T) {
	svc := newSignatureService(t)
	for _, header := range []string{HeaderSigner, HeaderSignature, HeaderTimestamp, HeaderNonce} {
		req, _ := signedRequest(t, "", testNow, "n-"+header)
		req.Header.Del(header)
		_, err := svc.AuthenticateRequest(context.Background(), req)
		require.ErrorIs(t, err, ErrMissingCredentials, header)
		require.Equal(t, xerrors.KindAuthentication, xerrors.KindOf(err))
	}
}

func TestSignatureBodyLimit(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeSignature, MaxBodyBytes: 4}, NewMemoryNonceStore())
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	req, _ := signedRequest(t, "12345", testNow, "n-1")
	_, err = svc.AuthenticateRequest(context.Background(), req)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDisabledModeTrustsActorHeader(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	actor, err := svc.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, escrow.Actor{}, actor)

	want := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	req.Header.Set(HeaderActor, want.Hex())
	actor, err = svc.AuthenticateRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, want, actor)

	req.Header.Set(HeaderActor, "alice")
	_, err = svc.AuthenticateRequest(context.Background(), req)
	require.Error(t, err)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Mode: ModeSignature}, nil)
	require.Error(t, err)
	_, err = NewService(Config{Mode: "jwt"}, NewMemoryNonceStore())
	require.Error(t, err)

	svc, err := NewService(Config{}, NewMemoryNonceStore())
	require.NoError(t, err)
	require.Equal(t, ModeSignature, svc.Mode())
	require.Equal(t, 2*svc.cfg.MaxSkew, svc.cfg.NonceTTL)
}

func TestMiddlewareInjectsActor(t *testing.T) {
	svc := newSignatureService(t)
	var seen escrow.Actor
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req, signer := signedRequest(t, "", testNow, "n-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, signer, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var handled error
	custom := svc.Middleware(MiddlewareConfig{OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
		handled = err
		w.WriteHeader(http.StatusTeapot)
	}})(http.NotFoundHandler())
	rec = httptest.NewRecorder()
	custom.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.ErrorIs(t, handled, ErrMissingCredentials)
}

func TestRecoverSignerAcceptsBothRecoveryForms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	msg := CanonicalMessage("get", "/v1/config", 1, "n", nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	require.NoError(t, SignRequest(req, nil, key, time.Unix(1, 0), "n"))

	sig, err := hexutil.Decode(req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	require.GreaterOrEqual(t, sig[64], byte(27))

	addr, err := RecoverSigner(msg, hexutil.Encode(sig))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	sig[64] -= 27
	addr, err = RecoverSigner(msg, hexutil.Encode(sig))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	_, err = RecoverSigner(msg, "0x1234")
	require.Error(t, err)
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	store := NewMemoryNonceStore()
	now := testNow
	store.now = func() time.Time { return now }
	store.sweepAt = 2
	signer := common.HexToAddress("0x01")

	ok, err := store.Claim(context.Background(), signer, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = store.Claim(context.Background(), signer, "a", time.Minute)
	require.False(t, ok)
	ok, _ = store.Claim(context.Background(), common.HexToAddress("0x02"), "a", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = store.Claim(context.Background(), signer, "a", time.Minute)
	require.True(t, ok)
	require.LessOrEqual(t, store.Len(), 2)
}

func TestRedisNonceStoreIntegration(t *testing.T) {
	addr := os.Getenv("ESCROW_REDIS_ADDR")
	if addr == "" {
		t.Skip("ESCROW_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisNonceStore(ctx, RedisNonceConfig{Address: addr, Prefix: "escrow:test:nonce:"})
	require.NoError(t, err)
	defer store.Close()

	signer := common.HexToAddress("0x01")
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	ok, err := store.Claim(ctx, signer, nonce, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Claim(ctx, signer, nonce, time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}
