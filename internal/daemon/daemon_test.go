package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/theatreblood/internal/config"
	"github.com/harun/theatreblood/internal/logger"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/gateway"
	"github.com/harun/theatreblood/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const donorPayload = `{
	"results": [
		{"id": "d1", "first_name": "John", "last_name": "Smith"},
		{"id": "d2", "first_name": "Ann", "last_name": "Jones"}
	],
	"products": [[{"id": "p1"}], []]
}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func donorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(donorPayload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.GetRepository())
	assert.NotNil(t, d.GetScheduler())
	assert.Nil(t, d.GetGatewayServer(), "gateway is off by default")
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Empty(t, d.GetScheduler().Jobs(), "refresh is off by default")
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Refresh.Enabled = true
	cfg.Refresh.Schedule = "whenever"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.Error(t, d.Start(), "second start fails")

	pid, err := ReadPID(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Equal(t, time.Duration(0), d.Status().Uptime)

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(), "second stop fails")
}

func TestScheduledRefresh(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.BaseURL = donorServer(t).URL
	cfg.Refresh.Enabled = true
	cfg.Refresh.Schedule = "0 3 * * *"

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	jobs := d.GetScheduler().Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, config.StoreMain, jobs[0].Store)

	evt, err := d.GetScheduler().RunNow(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusOK, evt.Status, evt.Error)

	require.Eventually(t, func() bool {
		return len(d.GetRepository().LiveDonors()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestScheduledRefreshWithoutSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Refresh.Enabled = true

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	jobs := d.GetScheduler().Jobs()
	require.Len(t, jobs, 1)

	evt, err := d.GetScheduler().RunNow(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusError, evt.Status)
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	next := *cfg
	next.Refresh.Enabled = true
	next.Refresh.Schedule = "*/5 * * * *"
	next.Refresh.Store = config.StoreModified
	require.NoError(t, d.ApplyConfig(&next))

	jobs := d.GetScheduler().Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, config.StoreModified, jobs[0].Store)
	assert.Equal(t, "*/5 * * * *", jobs[0].Schedule.Expr)
	assert.Same(t, &next, d.GetConfig())

	off := next
	off.Refresh.Enabled = false
	require.NoError(t, d.ApplyConfig(&off))
	assert.Empty(t, d.GetScheduler().Jobs())

	bad := next
	bad.Refresh.Schedule = "bogus"
	assert.Error(t, d.ApplyConfig(&bad))
}

func TestGatewayServesStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = freePort(t)

	d := createTestDaemon(t, cfg)
	require.NotNil(t, d.GetGatewayServer())
	require.NoError(t, d.Start())
	defer d.Stop()

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Gateway.Port) + "/healthz"
	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(url)
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func rpcCall(t *testing.T, port int, method string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": "1", "method": method, "params": params})
	require.NoError(t, err)

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/rpc"
	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestScheduleMethodsOverGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.BaseURL = donorServer(t).URL
	cfg.Refresh.Enabled = true
	cfg.Refresh.Schedule = "0 3 * * *"
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = freePort(t)

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	listed := rpcCall(t, cfg.Gateway.Port, "schedule.jobs", nil)
	require.Nil(t, listed["error"])
	result := listed["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["count"])
	job := result["jobs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, config.StoreMain, job["store"])

	ran := rpcCall(t, cfg.Gateway.Port, "schedule.run", map[string]interface{}{"id": job["id"]})
	require.Nil(t, ran["error"])
	evt := ran["result"].(map[string]interface{})["event"].(map[string]interface{})
	assert.Equal(t, scheduler.StatusOK, evt["status"])
	require.Eventually(t, func() bool {
		return len(d.GetRepository().LiveDonors()) == 2
	}, time.Second, 10*time.Millisecond)

	missing := rpcCall(t, cfg.Gateway.Port, "schedule.run", map[string]interface{}{"id": "nope"})
	require.NotNil(t, missing["error"])
	assert.Equal(t, float64(gateway.InvalidParams), missing["error"].(map[string]interface{})["code"])
}

func TestHooksRunOnRepositoryEvents(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "inserted.txt")
	cfg.Hooks = config.HooksConfig{
		Enabled: true,
		Hooks: []config.HookConfig{{
			Event:   "donors.inserted",
			Script:  `echo "$THEATREBLOOD_STORE:$THEATREBLOOD_IDS" > ` + out,
			Enabled: true,
		}},
	}

	d := createTestDaemon(t, cfg)
	assert.Equal(t, 1, d.GetHookManager().Count())
	require.NoError(t, d.Start())

	d.GetRepository().Insert(context.Background(), config.StoreInserted, donor.Donor{ID: "x1", LastName: "Smith"}, nil)

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(out)
		return err == nil && string(content) == "inserted:x1\n"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Stop())
}
