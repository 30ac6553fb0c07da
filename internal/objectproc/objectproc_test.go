// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package objectproc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/filterdescriptor"
	"github.com/diamond-search/filterstack-engine/internal/filterworker"
	"github.com/diamond-search/filterstack-engine/internal/object"
	"github.com/diamond-search/filterstack-engine/internal/resultcache"
	"github.com/diamond-search/filterstack-engine/internal/sessionctx"
)

// fakeWorker replays a scripted stream of tags and payload items, standing
// in for a live filter process.
type fakeWorker struct {
	tags   []string
	items  [][]byte
	arrays [][][]byte

	startedName string
	startedArgs []string
	startedBlob []byte

	sent      [][]byte
	sentNulls int
	sentBools []bool
	closed    bool
}

func (f *fakeWorker) Start(name string, arguments []string, blob []byte) error {
	f.startedName = name
	f.startedArgs = arguments
	f.startedBlob = blob
	return nil
}

func (f *fakeWorker) NextTag() (string, error) {
	if len(f.tags) == 0 {
		return "", io.ErrUnexpectedEOF
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	return tag, nil
}

func (f *fakeWorker) GetItem() ([]byte, bool, error) {
	if len(f.items) == 0 {
		return nil, false, io.ErrUnexpectedEOF
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true, nil
}

func (f *fakeWorker) GetArray() ([][]byte, error) {
	if len(f.arrays) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	arr := f.arrays[0]
	f.arrays = f.arrays[1:]
	return arr, nil
}

func (f *fakeWorker) GetBool() (bool, error)              { return false, errors.New("unused") }
func (f *fakeWorker) GetDict() (map[string]string, error) { return nil, errors.New("unused") }

func (f *fakeWorker) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeWorker) SendNull() error {
	f.sentNulls++
	return nil
}
func (f *fakeWorker) SendArray(items [][]byte) error {
	f.sent = append(f.sent, items...)
	return nil
}
func (f *fakeWorker) SendBool(v bool) error {
	f.sentBools = append(f.sentBools, v)
	return nil
}
func (f *fakeWorker) SendDict(keys, values []string) error { return nil }
func (f *fakeWorker) Close() error {
	f.closed = true
	return nil
}

type fakeStats struct {
	unloadable int
	terminate  int
	startups   int
	executions int
	cacheHits  []bool
}

func (s *fakeStats) IncUnloadable()                                  { s.unloadable++ }
func (s *fakeStats) IncTerminate()                                   { s.terminate++ }
func (s *fakeStats) ObserveStartup(filter string, d time.Duration)   { s.startups++ }
func (s *fakeStats) ObserveExecution(filter string, d time.Duration) { s.executions++ }
func (s *fakeStats) ObserveCacheHit(filter string, accepted bool) {
	s.cacheHits = append(s.cacheHits, accepted)
}

// newRunner builds a FilterRunner whose connector yields workers from the
// given factory, counting how often one was spawned.
func newRunner(t *testing.T, stats *fakeStats, factory func() *fakeWorker) (*FilterRunner, *int) {
	t.Helper()
	connects := 0
	cfg := filterdescriptor.Config{
		Name:      "f1",
		Arguments: []string{"arg1"},
		MinScore:  0,
		MaxScore:  1,
	}
	d := filterdescriptor.NewResolved(cfg, "digest-f1", func(ctx context.Context) (filterworker.Worker, error) {
		connects++
		return factory(), nil
	})
	return NewFilterRunner(d, sessionctx.New(nil, ""), stats), &connects
}

func TestEvaluateFullProtocolLoop(t *testing.T) {
	stats := &fakeStats{}
	var worker *fakeWorker
	runner, connects := newRunner(t, stats, func() *fakeWorker {
		worker = &fakeWorker{
			tags: []string{
				"init-success",
				"get-attribute",
				"get-attribute",
				"set-attribute",
				"omit-attribute",
				"get-session-variables",
				"update-session-variables",
				"log",
				"result",
			},
			items: [][]byte{
				[]byte("x"),              // get-attribute
				[]byte("missing"),        // get-attribute (miss)
				[]byte("y"), []byte("world"), // set-attribute
				[]byte("x"),              // omit-attribute
				[]byte("4"), []byte("hi"), // log level + message
				[]byte("0.5"), // result
			},
			arrays: [][][]byte{
				{[]byte("a")},                // get-session-variables keys
				{[]byte("a")},                // update-session-variables keys
				{[]byte("2.5")},              // update-session-variables values
			},
		}
		return worker
	})

	obj := object.New("obj-1")
	require.NoError(t, obj.Set("x", []byte("hello")))

	result, err := runner.Evaluate(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, 1, *connects)

	// Handshake used the descriptor's name/arguments.
	assert.Equal(t, "f1", worker.startedName)
	assert.Equal(t, []string{"arg1"}, worker.startedArgs)

	// Input accounting: present attribute recorded by signature, miss as nil.
	xSig, _, err := obj.Signature("x")
	require.NoError(t, err)
	require.Contains(t, result.InputAttrs, "x")
	assert.Equal(t, xSig, *result.InputAttrs["x"])
	require.Contains(t, result.InputAttrs, "missing")
	assert.Nil(t, result.InputAttrs["missing"])
	assert.Equal(t, 1, worker.sentNulls)

	// Output accounting and the actual mutation.
	v, ok, err := obj.Get("y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("world"), v)
	ySig, _, err := obj.Signature("y")
	require.NoError(t, err)
	assert.Equal(t, ySig, result.OutputAttrs["y"])

	// Omit succeeded and was acknowledged.
	_, omitted := result.OmitAttrs["x"]
	assert.True(t, omitted)
	assert.Equal(t, []bool{true}, worker.sentBools)

	// Session variables were updated atomically.
	assert.Equal(t, []float64{2.5}, runner.sess.GetVariables([]string{"a"}))

	assert.Equal(t, 0.5, result.Score)
	assert.Equal(t, 1, stats.executions)
	assert.Equal(t, 1, stats.startups)
}

func TestThresholdInclusiveOnBothEnds(t *testing.T) {
	runner, _ := newRunner(t, &fakeStats{}, func() *fakeWorker { return &fakeWorker{} })

	cases := []struct {
		score  float64
		accept bool
	}{
		{0, true},
		{1, true},
		{0.5, true},
		{-0.0001, false},
		{1.0001, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.accept, runner.Threshold(&resultcache.Result{Score: c.score}), "score %v", c.score)
	}
}

func TestShouldCacheOutputBoundary(t *testing.T) {
	// Exactly 2 MiB in one second is not cached; one byte less is.
	assert.False(t, shouldCacheOutput(2<<20, time.Second))
	assert.True(t, shouldCacheOutput(2<<20-1, time.Second))
	assert.True(t, shouldCacheOutput(0, time.Second))
}

func TestWorkerDeathBeforeInitIsFatal(t *testing.T) {
	stats := &fakeStats{}
	runner, _ := newRunner(t, stats, func() *fakeWorker {
		return &fakeWorker{} // dies on the very first tag read
	})

	_, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	require.Error(t, err)
	var exec *engineerr.ExecutionError
	assert.ErrorAs(t, err, &exec)
	assert.Zero(t, stats.terminate)
}

func TestWorkerDeathAfterInitIsDrop(t *testing.T) {
	stats := &fakeStats{}
	var workers []*fakeWorker
	runner, connects := newRunner(t, stats, func() *fakeWorker {
		w := &fakeWorker{tags: []string{"init-success"}} // dies right after init
		workers = append(workers, w)
		return w
	})

	_, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	assert.ErrorIs(t, err, engineerr.ErrDrop)
	assert.Equal(t, 1, stats.terminate)
	assert.True(t, workers[0].closed)

	// The dead worker was discarded: the next evaluation starts a fresh one.
	_, err = runner.Evaluate(context.Background(), object.New("obj-2"))
	assert.ErrorIs(t, err, engineerr.ErrDrop)
	assert.Equal(t, 2, *connects)
}

func TestWorkerReusedAcrossObjects(t *testing.T) {
	calls := 0
	runner, connects := newRunner(t, &fakeStats{}, func() *fakeWorker {
		calls++
		return &fakeWorker{
			tags:  []string{"init-success", "result", "result"},
			items: [][]byte{[]byte("0.5"), []byte("0.7")},
		}
	})

	r1, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, r1.Score)

	r2, err := runner.Evaluate(context.Background(), object.New("obj-2"))
	require.NoError(t, err)
	assert.Equal(t, 0.7, r2.Score)

	assert.Equal(t, 1, *connects)
	assert.Equal(t, 1, calls)
}

func TestUnknownTagIsExecutionError(t *testing.T) {
	runner, _ := newRunner(t, &fakeStats{}, func() *fakeWorker {
		return &fakeWorker{tags: []string{"init-success", "no-such-tag"}}
	})
	_, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	var exec *engineerr.ExecutionError
	assert.ErrorAs(t, err, &exec)
}

func TestBadScoreIsExecutionError(t *testing.T) {
	runner, _ := newRunner(t, &fakeStats{}, func() *fakeWorker {
		return &fakeWorker{
			tags:  []string{"init-success", "result"},
			items: [][]byte{[]byte("not-a-number")},
		}
	})
	_, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	var exec *engineerr.ExecutionError
	assert.ErrorAs(t, err, &exec)
}

func TestBadSessionVariablePayloadIsExecutionError(t *testing.T) {
	runner, _ := newRunner(t, &fakeStats{}, func() *fakeWorker {
		return &fakeWorker{
			tags: []string{"init-success", "update-session-variables"},
			arrays: [][][]byte{
				{[]byte("a")},
				{[]byte("NaN-ish garbage")},
			},
		}
	})
	_, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	var exec *engineerr.ExecutionError
	assert.ErrorAs(t, err, &exec)
}

func TestOmitAbsentAttributeAcknowledgedFalse(t *testing.T) {
	var worker *fakeWorker
	runner, _ := newRunner(t, &fakeStats{}, func() *fakeWorker {
		worker = &fakeWorker{
			tags:  []string{"init-success", "omit-attribute", "result"},
			items: [][]byte{[]byte("ghost"), []byte("1")},
		}
		return worker
	})

	result, err := runner.Evaluate(context.Background(), object.New("obj-1"))
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, worker.sentBools)
	assert.Empty(t, result.OmitAttrs)
}

func TestFetcherEvaluateRecordsAllAttributes(t *testing.T) {
	stats := &fakeStats{}
	fetcher := NewFetcher(loaderFunc(func(ctx context.Context, obj *object.Object) error {
		if err := obj.Set("a", []byte("1")); err != nil {
			return err
		}
		return obj.Set("b", []byte("2"))
	}), stats)

	obj := object.New("obj-1")
	result, err := fetcher.Evaluate(context.Background(), obj)
	require.NoError(t, err)

	assert.Len(t, result.OutputAttrs, 2)
	aSig, _, err := obj.Signature("a")
	require.NoError(t, err)
	assert.Equal(t, aSig, result.OutputAttrs["a"])
	assert.True(t, fetcher.Threshold(result))
	assert.False(t, fetcher.SendScore())
	assert.Equal(t, resultcache.FetcherCacheDigest, fetcher.CacheDigest())
}

func TestFetcherLoadFailureIsDrop(t *testing.T) {
	stats := &fakeStats{}
	fetcher := NewFetcher(loaderFunc(func(ctx context.Context, obj *object.Object) error {
		return errors.New("retriever down")
	}), stats)

	_, err := fetcher.Evaluate(context.Background(), object.New("obj-1"))
	assert.ErrorIs(t, err, engineerr.ErrDrop)
	assert.Equal(t, 1, stats.unloadable)
}

func TestStartupStats(t *testing.T) {
	var s StartupStats
	s.record(2 * time.Millisecond)
	s.record(4 * time.Millisecond)
	s.record(6 * time.Millisecond)

	count, min, max, avg := s.Snapshot()
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 2*time.Millisecond, min)
	assert.Equal(t, 6*time.Millisecond, max)
	assert.Equal(t, 4*time.Millisecond, avg)
}

func TestScoreAttrName(t *testing.T) {
	assert.Equal(t, "_filter.rgb_score", ScoreAttrName("rgb"))
}

type loaderFunc func(ctx context.Context, obj *object.Object) error

func (f loaderFunc) Load(ctx context.Context, obj *object.Object) error { return f(ctx, obj) }
