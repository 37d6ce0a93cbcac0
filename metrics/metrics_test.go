package metrics

import (
	"bufio"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/ephemera/expiry"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.MessageSent(messaging.ContentImage)
	c.MessageSent(messaging.ContentImage)
	c.MessageSent(messaging.ContentText)
	c.SendFailed(messaging.ErrLocalWriteFailed)
	c.SendFailed(errors.New("boom"))
	c.MessageReceived()
	c.Transition(messaging.StateDeleted, messaging.ReasonExpired)
	c.MediaCleanup(nil)
	c.MediaCleanup(errors.New("timeout"))
	c.DuplicateEvent()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sent.WithLabelValues("image")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sent.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendFailed.WithLabelValues("local_write_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendFailed.WithLabelValues("other")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("deleted", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mediaDelete.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mediaDelete.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicates))
}

func TestCollectorSweepsAndRetention(t *testing.T) {
	c := NewCollector()
	c.ObserveSweep(expiry.SweepReport{Scanned: 4, Deleted: 3, Failed: 1, Duration: 20 * time.Millisecond})
	c.ObserveSweep(expiry.SweepReport{Exhausted: 1})
	c.ObserveRetention(12)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sweeps))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweepDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepExhausted))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.localSwept))
}

func TestKindLabelUnwrapsOpError(t *testing.T) {
	err := &messaging.OpError{Op: "send", Kind: messaging.ErrRemoteWriteFailed, Err: errors.New("down")}
	assert.Equal(t, "remote_write_failed", kindLabel(err))
	assert.Equal(t, "upload_failed", kindLabel(messaging.ErrUploadFailed))
	assert.Equal(t, "download_failed", kindLabel(&messaging.OpError{Op: "fetch", Kind: messaging.ErrDownloadFailed}))
}

func scrape(t *testing.T, ln *fasthttputil.InmemoryListener, path string) (int, string) {
	t.Helper()
	conn, err := ln.Dial()
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET " + path + " HTTP/1.1\r\nHost: metrics\r\n\r\n"))
	require.NoError(t, err)

	var resp fasthttp.Response
	require.NoError(t, resp.Read(bufio.NewReader(conn)))
	return resp.StatusCode(), string(resp.Body())
}

func TestServerExposesMetrics(t *testing.T) {
	c := NewCollector()
	var pending float64 = 3
	require.NoError(t, c.RegisterGauge("pending_grace_timers", "Armed grace timers.", func() float64 { return pending }))
	c.MessageSent(messaging.ContentVideo)

	ln := fasthttputil.NewInmemoryListener()
	srv := NewServer("", c.Registry())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	defer func() {
		require.NoError(t, srv.Shutdown())
		<-done
	}()

	status, body := scrape(t, ln, "/metrics")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, body, `ephemera_messages_sent_total{content_type="video"} 1`)
	assert.Contains(t, body, "ephemera_pending_grace_timers 3")
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collector missing")

	status, body = scrape(t, ln, "/healthz")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	status, _ = scrape(t, ln, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestRegisterGaugeRejectsDuplicates(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.RegisterGauge("tracked_messages", "Tracked.", func() float64 { return 0 }))
	assert.Error(t, c.RegisterGauge("tracked_messages", "Tracked.", func() float64 { return 0 }))
}
