package client_test

import (
	"context"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-like-counter/internal/client"
	"github.com/koopa0/system-design/14-like-counter/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) client.Config {
	return client.Config{
		APIKey:     testutils.TestAPIKey,
		AuthDomain: baseURL,
		ProjectID:  testutils.TestProjectID,
		AppID:      "web",
		Enabled:    true,
		Realtime:   true,
	}
}

func TestConnector_MemoizesConfigurationError(t *testing.T) {
	connector := client.NewConnector(client.Config{}, testutils.TestLogger())

	status := connector.Status()
	assert.False(t, status.Attempted)
	assert.False(t, status.Initialized)

	_, err := connector.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))

	_, again := connector.Connect(context.Background())
	assert.Same(t, err, again, "first failure is memoized")

	status = connector.Status()
	assert.True(t, status.Attempted)
	assert.False(t, status.Initialized)
	assert.False(t, status.Initializing)
	assert.Equal(t, err, status.LastError)
}

func TestConnector_InvalidDomain(t *testing.T) {
	config := testConfig("http://")
	_, err := client.NewConnector(config, testutils.TestLogger()).Connect(context.Background())
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestConnector_SingleFlight(t *testing.T) {
	ts := testutils.NewTestServer(t, testutils.DefaultTestConfig())
	connector := client.NewConnector(testConfig(ts.URL), testutils.TestLogger())

	const callers = 16
	conns := make([]*client.Connection, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := connector.Connect(context.Background())
			assert.NoError(t, err)
			conns[i] = conn
		}()
	}
	wg.Wait()

	for _, conn := range conns {
		assert.Same(t, conns[0], conn)
	}

	status := connector.Status()
	assert.True(t, status.Initialized)
	assert.NoError(t, status.LastError)
}

func TestConnector_Attestation(t *testing.T) {
	ts := testutils.NewTestServer(t, testutils.DefaultTestConfig())

	t.Run("token acquired", func(t *testing.T) {
		config := testConfig(ts.URL)
		config.AttestationSiteKey = testutils.TestSiteKey

		conn, err := client.NewConnector(config, testutils.TestLogger()).Connect(context.Background())
		require.NoError(t, err)
		assert.True(t, conn.Attested())
	})

	t.Run("failure does not block connect", func(t *testing.T) {
		config := testConfig(ts.URL)
		config.AttestationSiteKey = "rejected-site-key"

		conn, err := client.NewConnector(config, testutils.TestLogger()).Connect(context.Background())
		require.NoError(t, err)
		assert.False(t, conn.Attested())
	})
}

func TestConnector_CanceledCaller(t *testing.T) {
	ts := testutils.NewTestServer(t, testutils.DefaultTestConfig())
	connector := client.NewConnector(testConfig(ts.URL), testutils.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 取消的呼叫端可能在初始化完成前或後返回，兩者都要能之後成功取得連線
	_, _ = connector.Connect(ctx)

	conn, err := connector.Connect(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
}
