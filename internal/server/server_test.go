package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/cadence"
	"github.com/spigell/wa-interviewer/internal/transport"
	"github.com/spigell/wa-interviewer/internal/transport/transporttest"
)

type recordingInbound struct {
	mu       sync.Mutex
	messages []transport.Message
	got      chan struct{}
}

func (r *recordingInbound) HandleInboundMessage(_ context.Context, msg transport.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

type fakeCadence struct {
	mu          sync.Mutex
	triggers    []string
	distributed []string
	config      cadence.Config
	stopped     bool
}

func (f *fakeCadence) ActivateImmediateCadence(_ context.Context, phone, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, tenantID+"/"+phone)
	return nil
}

func (f *fakeCadence) DistributeCandidates(_ context.Context, tenantID string, phones []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributed = append(f.distributed, phones...)
	return nil
}

func (f *fakeCadence) ConfigureCadence(_ string, cfg cadence.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = cfg
	return nil
}

func (f *fakeCadence) Config(string, bool) cadence.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

func (f *fakeCadence) StopCadence(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := !f.stopped
	f.stopped = true
	return was
}

func (f *fakeCadence) GetStats(string) cadence.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cadence.Stats{CadenceActive: !f.stopped, TotalSent: len(f.distributed)}
}

type fixture struct {
	srv     *Server
	http    *httptest.Server
	inbound *recordingInbound
	cadence *fakeCadence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := transport.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(transporttest.NewSlot("acme", 2)))

	f := &fixture{
		inbound: &recordingInbound{got: make(chan struct{}, 8)},
		cadence: &fakeCadence{config: cadence.DefaultConfig()},
	}

	srv, err := New(Options{
		Inbound:        f.inbound,
		Slots:          registry,
		Cadence:        f.cadence,
		MetricsHandler: promhttp.Handler(),
		Logger:         zap.NewNop(),
		CountryCodes:   map[string]string{"us": "1"},
	})
	require.NoError(t, err)
	f.srv = srv
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func webhookBody(instance, id, text string) string {
	return fmt.Sprintf(`{
		"event": "messages.upsert",
		"instance": %q,
		"data": {
			"key": {"remoteJid": "551187650001@s.whatsapp.net", "fromMe": false, "id": %q},
			"message": {"conversation": %q}
		}
	}`, instance, id, text)
}

func TestWebhookDispatchesNormalizedMessage(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/webhook/evolution", webhookBody("acme_slot_2", "MSG1", "1"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "MSG1", body["id"])

	select {
	case <-f.inbound.got:
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.srv.Drain(ctx))

	f.inbound.mu.Lock()
	defer f.inbound.mu.Unlock()
	require.Len(t, f.inbound.messages, 1)
	msg := f.inbound.messages[0]
	assert.Equal(t, "acme", msg.TenantID)
	assert.Equal(t, 2, msg.SlotIndex)
	assert.Equal(t, "5511987650001", msg.From)
	assert.Equal(t, "1", msg.Text)
}

func TestWebhookByEventPath(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/webhook/evolution/messages-upsert", webhookBody("acme_slot_2", "MSG2", "oi"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-f.inbound.got
}

func TestWebhookIgnoresUnknownInstanceAndOtherEvents(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/webhook/evolution", webhookBody("other_slot_1", "MSG1", "1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["status"])

	resp, body = f.do(t, http.MethodPost, "/webhook/evolution", `{"event":"connection.update","instance":"acme_slot_2","data":{}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/webhook/evolution", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.inbound.mu.Lock()
	defer f.inbound.mu.Unlock()
	assert.Empty(t, f.inbound.messages)
}

func TestCadenceAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/admin/tenants/acme/cadence", `{"trigger_phone": "(11) 98765-0003"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"acme/5511987650003"}, f.cadence.triggers)

	resp, body := f.do(t, http.MethodPost, "/admin/tenants/acme/cadence", `{"phones": ["5511987650001", "5511987650002"]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(2), body["total_sent"])

	resp, _ = f.do(t, http.MethodPost, "/admin/tenants/acme/cadence", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/tenants/acme/cadence", `{"trigger_phone": "123"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/admin/tenants/acme/cadence", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cadence_active"])

	resp, body = f.do(t, http.MethodDelete, "/admin/tenants/acme/cadence", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["stopped"])
}

func TestCadencePhonesUseTenantCountryCode(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/admin/tenants/us/cadence",
		`{"phones": ["(212) 555-0001", "+1 212 555 0002", "12125550003", "42"]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"12125550001", "12125550002", "12125550003"}, f.cadence.distributed)

	resp, _ = f.do(t, http.MethodPost, "/admin/tenants/us/cadence", `{"trigger_phone": "212 555 0004"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"us/12125550004"}, f.cadence.triggers)

	resp, _ = f.do(t, http.MethodPost, "/admin/tenants/us/cadence", `{"phones": ["42"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCadenceConfigEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/admin/tenants/acme/cadence/config", `{"base_delay": "2s", "batch_size": 5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2s", body["base_delay"])
	assert.Equal(t, float64(5), body["batch_size"])
	assert.Equal(t, float64(3), body["max_retries"])
	assert.Equal(t, 2*time.Second, f.cadence.config.BaseDelay)

	resp, _ = f.do(t, http.MethodPut, "/admin/tenants/acme/cadence/config", `{"batch_size": 0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/admin/tenants/acme/cadence/config", `{"job_ttl": "soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/admin/tenants/acme/cadence/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "6h0m0s", body["job_ttl"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
