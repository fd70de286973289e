package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basilisk-escrow/internal/auth"
	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/events"
	"basilisk-escrow/internal/observability/metrics"
	"basilisk-escrow/internal/storage/memory"
	"basilisk-escrow/internal/vault"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	arbitrator = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	requester  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	agent      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	usdc       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

type harness struct {
	t       *testing.T
	handler http.Handler
	backend *memory.Backend
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, authSvc *auth.Service, opts ...Option) *harness {
	t.Helper()
	backend := memory.New()
	now := time.Unix(1_700_000_000, 0)
	m := metrics.New()
	machine := escrow.NewMachine(backend,
		escrow.WithClock(escrow.ClockFunc(func() time.Time { return now })),
		escrow.WithObserver(m),
	)
	_, err := vault.Fund(context.Background(), backend, requester, usdc, 10_000)
	require.NoError(t, err)

	codec, err := events.NewLogCodec(common.Address{})
	require.NoError(t, err)
	opts = append([]Option{WithMetrics(m), WithLogCodec(codec)}, opts...)
	srv := NewServer(machine, backend, authSvc, opts...)
	return &harness{t: t, handler: srv.Handler(), backend: backend, metrics: m}
}

func (h *harness) do(method, path string, actor common.Address, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != (common.Address{}) {
		req.Header.Set(auth.HeaderActor, actor.Hex())
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) initialize() {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/config", admin, `{"arbitrator":"`+arbitrator.Hex()+`"}`)
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (h *harness) createJob(id string, amount string) {
	h.t.Helper()
	body := `{"id":"` + id + `","asset":"` + usdc.Hex() + `","amount":"` + amount + `","description":"logo","deadline_days":7}`
	rec := h.do(http.MethodPost, "/v1/jobs", requester, body)
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHTTPHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	cfg := decode[escrow.ProgramConfig](t, h.do(http.MethodGet, "/v1/config", requester, ""))
	assert.Equal(t, admin, cfg.Admin)
	assert.Equal(t, arbitrator, cfg.Arbitrator)

	h.createJob("job-1", "1000")
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/jobs/job-1/accept", agent, "").Code)
	rec := h.do(http.MethodPost, "/v1/jobs/job-1/submit", agent, `{"deliverable":"ipfs://logo","notes":"v2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ipfs://logo | v2", decode[escrow.Job](t, rec).Deliverable)

	rec = h.do(http.MethodPost, "/v1/jobs/job-1/approve", requester, `{"rating":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decode[escrow.Job](t, rec)
	assert.Equal(t, escrow.StatusCompleted, job.Status)
	assert.Equal(t, uint8(5), job.Rating)

	job = decode[escrow.Job](t, h.do(http.MethodGet, "/v1/jobs/job-1", agent, ""))
	assert.Equal(t, escrow.StatusCompleted, job.Status)

	acct := decode[escrow.TokenAccount](t, h.do(http.MethodGet, "/v1/balances/"+agent.Hex()+"/"+usdc.Hex(), agent, ""))
	assert.Equal(t, uint64(1000), acct.Balance)
	acct = decode[escrow.TokenAccount](t, h.do(http.MethodGet, "/v1/balances/"+requester.Hex()+"/"+usdc.Hex(), agent, ""))
	assert.Equal(t, uint64(9000), acct.Balance)

	list := decode[struct {
		Events []escrow.Event `json:"events"`
	}](t, h.do(http.MethodGet, "/v1/events?after=1&limit=10", agent, ""))
	require.Len(t, list.Events, 4)
	assert.Equal(t, escrow.EventJobCreated, list.Events[0].Type)
	assert.Equal(t, uint64(2), list.Events[0].Seq)

	logs := decode[struct {
		Logs []json.RawMessage `json:"logs"`
	}](t, h.do(http.MethodGet, "/v1/events?format=evm", agent, ""))
	assert.Len(t, logs.Logs, 5)
}

func TestHTTPDisputeAndListing(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	h.createJob("job-1", "1000")
	h.createJob("job-2", "500")
	h.do(http.MethodPost, "/v1/jobs/job-1/accept", agent, "")
	h.do(http.MethodPost, "/v1/jobs/job-1/submit", agent, `{"deliverable":"ipfs://x"}`)

	rec := h.do(http.MethodPost, "/v1/jobs/job-1/reject", requester, `{"reason":"blurry"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.StatusDisputed, decode[escrow.Job](t, rec).Status)

	rec = h.do(http.MethodPost, "/v1/jobs/job-1/resolve", admin, `{"agent_percentage":60}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, escrow.CodeUnauthorizedArbitrator, decode[errorBody](t, rec).Code)

	rec = h.do(http.MethodPost, "/v1/jobs/job-1/resolve", arbitrator, `{"agent_percentage":60}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.StatusResolved, decode[escrow.Job](t, rec).Status)

	rec = h.do(http.MethodPost, "/v1/jobs/job-2/cancel", requester, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decode[listResponse](t, h.do(http.MethodGet, "/v1/jobs?status=resolved,cancelled&order=asc&requester="+requester.Hex(), agent, ""))
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, "job-1", list.Jobs[0].ID)
	assert.Equal(t, 20, list.Limit)

	stats := decode[escrow.JobStats](t, h.do(http.MethodGet, "/v1/stats", agent, ""))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, "0", stats.Escrowed)

	acct := decode[escrow.TokenAccount](t, h.do(http.MethodGet, "/v1/balances/"+agent.Hex()+"/"+usdc.Hex(), agent, ""))
	assert.Equal(t, uint64(600), acct.Balance)
}

func TestHTTPJobIDsNeedingEscape(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	h.createJob("stats", "100")
	h.createJob("a/b", "200")

	job := decode[escrow.Job](t, h.do(http.MethodGet, "/v1/jobs/stats", agent, ""))
	assert.Equal(t, "stats", job.ID)
	assert.Equal(t, uint64(100), job.Amount)

	rec := h.do(http.MethodGet, "/v1/jobs/a%2Fb", agent, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "a/b", decode[escrow.Job](t, rec).ID)

	rec = h.do(http.MethodPost, "/v1/jobs/a%2Fb/cancel", requester, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.StatusCancelled, decode[escrow.Job](t, rec).Status)

	acct := decode[escrow.TokenAccount](t, h.do(http.MethodGet, "/v1/balances/"+requester.Hex()+"/"+usdc.Hex(), agent, ""))
	assert.Equal(t, uint64(9_900), acct.Balance)

	stats := decode[escrow.JobStats](t, h.do(http.MethodGet, "/v1/stats", agent, ""))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Open)
}

func TestHTTPErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/v1/config", requester, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, escrow.CodeNotInitialized, decode[errorBody](t, rec).Code)

	h.initialize()
	h.createJob("job-1", "1000")

	cases := []struct {
		name   string
		method string
		path   string
		actor  common.Address
		body   string
		status int
		code   xerrors.Code
	}{
		{"anonymous create", http.MethodPost, "/v1/jobs", common.Address{}, `{"id":"x","asset":"` + usdc.Hex() + `","amount":"1","deadline_days":1}`, http.StatusForbidden, escrow.CodeUnauthorized},
		{"unknown job", http.MethodGet, "/v1/jobs/missing", agent, "", http.StatusNotFound, escrow.CodeJobNotFound},
		{"duplicate id", http.MethodPost, "/v1/jobs", requester, `{"id":"job-1","asset":"` + usdc.Hex() + `","amount":"1","deadline_days":1}`, http.StatusConflict, escrow.CodeJobIDAlreadyExists},
		{"zero amount", http.MethodPost, "/v1/jobs", requester, `{"id":"job-2","asset":"` + usdc.Hex() + `","amount":"0","deadline_days":1}`, http.StatusBadRequest, escrow.CodeZeroAmount},
		{"insufficient funds", http.MethodPost, "/v1/jobs", requester, `{"id":"job-3","asset":"` + usdc.Hex() + `","amount":"99999","deadline_days":1}`, http.StatusUnprocessableEntity, escrow.CodeInsufficientFunds},
		{"bad json", http.MethodPost, "/v1/jobs", requester, `{"id":`, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown field", http.MethodPost, "/v1/jobs/job-1/approve", requester, `{"stars":5}`, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"approve open job", http.MethodPost, "/v1/jobs/job-1/approve", requester, `{"rating":5}`, http.StatusConflict, escrow.CodeInvalidStatus},
		{"bad status filter", http.MethodGet, "/v1/jobs?status=paid", agent, "", http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"bad order", http.MethodGet, "/v1/jobs?order=sideways", agent, "", http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"bad balance address", http.MethodGet, "/v1/balances/alice/" + usdc.Hex(), agent, "", http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"missing balance", http.MethodGet, "/v1/balances/" + agent.Hex() + "/" + usdc.Hex(), agent, "", http.StatusNotFound, vault.CodeAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(tc.method, tc.path, tc.actor, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Kind)
			assert.NotEmpty(t, body.Message)
		})
	}

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/jobs/job-1/accept", agent, "").Code)
	rec = h.do(http.MethodPost, "/v1/jobs/job-1/accept", common.HexToAddress("0xd1"), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, escrow.CodeInvalidStatus, decode[errorBody](t, rec).Code)
}

func TestHTTPSignedRequests(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeSignature}, auth.NewMemoryNonceStore())
	require.NoError(t, err)
	h := newHarness(t, svc)

	rec := h.do(http.MethodGet, "/v1/config", admin, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.CodeMissingCredentials, decode[errorBody](t, rec).Code)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	body := []byte(`{"arbitrator":"` + arbitrator.Hex() + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/config", bytes.NewReader(body))
	require.NoError(t, auth.SignRequest(req, body, key, time.Now(), "nonce-1"))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, signer, decode[escrow.ProgramConfig](t, rec).Admin)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/healthz", common.Address{}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	h.initialize()
	h.do(http.MethodGet, "/v1/jobs/missing", agent, "")

	rec = h.do(http.MethodGet, "/metrics", common.Address{}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `escrow_http_requests_total{code="201",handler="/v1/config",method="POST"} 1`)
	assert.Contains(t, out, `code="404"`)
	assert.Contains(t, out, `escrow_operations_total{code="",operation="initialize",result="ok"} 1`)

	degraded := newHarness(t, nil, WithStoragePing(failingPinger{}))
	rec = degraded.do(http.MethodGet, "/healthz", common.Address{}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		escrow.ErrUnauthorized:     http.StatusForbidden,
		escrow.ErrJobNotFound:      http.StatusNotFound,
		escrow.ErrCannotCancel:     http.StatusConflict,
		escrow.ErrInvalidRating:    http.StatusBadRequest,
		escrow.ErrOverflow:         http.StatusUnprocessableEntity,
		escrow.ErrInvalidMint:      http.StatusUnprocessableEntity,
		auth.ErrReplayedNonce:      http.StatusUnauthorized,
		errors.New("unclassified"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
