package extractpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/extractord/internal/extractapi"
	"github.com/tombee/extractord/internal/store"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noSleep(_ context.Context, _ time.Duration) {}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   ErrorClass
	}{
		{0, "request timeout", ClassTimeout},
		{0, "Read file: permission denied", ClassReadError},
		{404, "not found", ClassClientError},
		{503, "unavailable", ClassServerError},
		{0, "connection refused", ClassOther},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Classify(c.status, c.msg), "status=%d msg=%q", c.status, c.msg)
	}
}

func TestPool_HappyPath_WritesSuccessRecord(t *testing.T) {
	client := extractapi.NewFakeClient()
	records := newMemRecords()
	pool := New(client, records)
	pool.sleep = noSleep

	path := writeTempFile(t, "hello")
	task := FileTask{RelativePath: "acme/p1/a.pdf", FullPath: path, Brand: "acme", Purchaser: "p1"}

	var progress [][2]int
	err := pool.Run(t.Context(), []FileTask{task}, "RUN1", Config{Concurrency: 1}, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(t, err)
	require.Equal(t, [][2]int{{1, 1}}, progress)

	recs, err := records.GetRecordsForRun(t.Context(), "RUN1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, store.ExtractDone, recs[0].Status)
}

func TestPool_ReadFileError_TerminatesWithStatusZero(t *testing.T) {
	client := extractapi.NewFakeClient()
	records := newMemRecords()
	pool := New(client, records)
	pool.sleep = noSleep

	task := FileTask{RelativePath: "acme/p1/missing.pdf", FullPath: "/no/such/file", Brand: "acme", Purchaser: "p1"}

	err := pool.Run(t.Context(), []FileTask{task}, "RUN1", Config{Concurrency: 1}, nil)
	require.NoError(t, err)

	recs, err := records.GetRecordsForRun(t.Context(), "RUN1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, store.ExtractError, recs[0].Status)
	require.Equal(t, 0, recs[0].StatusCode)
	require.Contains(t, recs[0].ErrorMessage, "Read file:")
}

func TestPool_ApplicationFailureOnHTTP200(t *testing.T) {
	client := extractapi.NewFakeClient()
	client.Queue("acme/p1/a.pdf", extractapi.ScriptedResponse{
		Response: extractapi.Response{StatusCode: 200, Body: []byte(`{"success":false,"error":"bad pattern"}`)},
	})
	records := newMemRecords()
	pool := New(client, records)
	pool.sleep = noSleep

	path := writeTempFile(t, "hello")
	task := FileTask{RelativePath: "acme/p1/a.pdf", FullPath: path, Brand: "acme", Purchaser: "p1"}

	err := pool.Run(t.Context(), []FileTask{task}, "RUN1", Config{Concurrency: 1}, nil)
	require.NoError(t, err)

	recs, err := records.GetRecordsForRun(t.Context(), "RUN1")
	require.NoError(t, err)
	require.Equal(t, store.ExtractError, recs[0].Status)
	require.Contains(t, recs[0].ErrorMessage, "bad pattern")
}

func TestPool_ApplicationRetryOn500ThenSucceeds(t *testing.T) {
	client := extractapi.NewFakeClient()
	client.Queue("acme/p1/a.pdf", extractapi.ScriptedResponse{Response: extractapi.Response{StatusCode: 500}})
	client.Queue("acme/p1/a.pdf", extractapi.ScriptedResponse{Response: extractapi.Response{StatusCode: 200, Body: []byte(`{"success":true}`)}})
	records := newMemRecords()
	pool := New(client, records)
	pool.sleep = noSleep

	path := writeTempFile(t, "hello")
	task := FileTask{RelativePath: "acme/p1/a.pdf", FullPath: path, Brand: "acme", Purchaser: "p1"}

	err := pool.Run(t.Context(), []FileTask{task}, "RUN1", Config{Concurrency: 1, MaxRetries: 2, RetryBackoffMs: 1}, nil)
	require.NoError(t, err)

	recs, err := records.GetRecordsForRun(t.Context(), "RUN1")
	require.NoError(t, err)
	require.Equal(t, store.ExtractDone, recs[0].Status)
	require.Equal(t, 2, len(client.Requests))
}

func TestPool_NetworkRetriesExhausted_ReturnsNetworkAbort(t *testing.T) {
	client := extractapi.NewFakeClient()
	for i := 0; i < NetworkMaxRetries+1; i++ {
		client.Queue("acme/p1/a.pdf", extractapi.ScriptedResponse{Err: errors.New("dial tcp: timeout")})
	}
	records := newMemRecords()
	pool := New(client, records)
	pool.sleep = noSleep

	path := writeTempFile(t, "hello")
	task := FileTask{RelativePath: "acme/p1/a.pdf", FullPath: path, Brand: "acme", Purchaser: "p1"}

	err := pool.Run(t.Context(), []FileTask{task}, "RUN1", Config{Concurrency: 1}, nil)
	require.Error(t, err)
	var abort *NetworkAbort
	require.ErrorAs(t, err, &abort)
}

func TestPool_ConcurrencyTwoProcessesEveryFile(t *testing.T) {
	client := extractapi.NewFakeClient()
	records := newMemRecords()
	pool := New(client, records)
	pool.sleep = noSleep

	var tasks []FileTask
	for i := 0; i < 5; i++ {
		path := writeTempFile(t, "hello")
		tasks = append(tasks, FileTask{RelativePath: fmt.Sprintf("acme/p1/file-%d.pdf", i), FullPath: path, Brand: "acme", Purchaser: "p1"})
	}

	err := pool.Run(t.Context(), tasks, "RUN1", Config{Concurrency: 2}, nil)
	require.NoError(t, err)

	recs, err := records.GetRecordsForRun(t.Context(), "RUN1")
	require.NoError(t, err)
	require.Len(t, recs, 5)
}
