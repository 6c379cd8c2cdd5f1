package mediator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	cbus "github.com/storyloom/loom-core/contract/bus"
	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/mediator"
)

type draftChapter struct{ ChapterID, AuthorID string }

type approveChapter struct{ ChapterID string }

type getChapter struct{ ChapterID string }

type chapterView struct{ ChapterID, Status string }

type queuedGenerate struct{ ChapterID string }

func (queuedGenerate) QueueName() string    { return "generation" }
func (queuedGenerate) Delay() time.Duration { return time.Second }

// fakes

type fakeEnq struct {
	cmds []any
	opts []cbus.QueueOptions
}

func (f *fakeEnq) EnqueueCommand(ctx context.Context, cmd cbus.Command, opts cbus.QueueOptions) error {
	f.cmds = append(f.cmds, cmd)
	f.opts = append(f.opts, opts)

	return nil
}

type draftHandler struct{ seen []string }

func (h *draftHandler) Handle(ctx context.Context, c draftChapter) error {
	h.seen = append(h.seen, c.ChapterID)
	return nil
}

type getChapterHandler struct{}

func (getChapterHandler) Handle(ctx context.Context, q getChapter) (chapterView, error) {
	return chapterView{ChapterID: q.ChapterID, Status: "draft"}, nil
}

func Test_DispatchRoutesToExactHandler(t *testing.T) {
	b := mediator.New(nil, nil)
	h := &draftHandler{}

	if err := mediator.BindCommand[draftChapter](b, h); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := b.BindCommandOf(approveChapter{}, func(ctx context.Context, v any) error {
		t.Fatalf("approve handler must not run for draftChapter")
		return nil
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := b.Dispatch(t.Context(), draftChapter{ChapterID: "ch-1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.seen) != 1 || h.seen[0] != "ch-1" {
		t.Fatalf("handler not invoked exactly once: %v", h.seen)
	}
}

func Test_DispatchUnregisteredNamesType(t *testing.T) {
	b := mediator.New(nil, nil)

	err := b.Dispatch(t.Context(), approveChapter{ChapterID: "ch-1"})
	if !errors.Is(err, cerr.ErrHandlerNotFound) {
		t.Fatalf("expected handler_not_found, got %v", err)
	}
	if !strings.Contains(err.Error(), "approveChapter") {
		t.Fatalf("error should name the type: %v", err)
	}
}

func Test_RebindOverwritesSilently(t *testing.T) {
	b := mediator.New(nil, nil)

	var first, second int
	_ = b.BindCommandOf(draftChapter{}, func(ctx context.Context, v any) error { first++; return nil })
	_ = b.BindCommandOf(draftChapter{}, func(ctx context.Context, v any) error { second++; return nil })

	for range 3 {
		if err := b.Dispatch(t.Context(), draftChapter{}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	if first != 0 || second != 3 {
		t.Fatalf("second binding must win: first=%d second=%d", first, second)
	}
}

func Test_QueueableDispatchUsesEnqueuer(t *testing.T) {
	enq := &fakeEnq{}
	b := mediator.New(enq, nil)

	var ran int
	_ = b.BindCommandOf(queuedGenerate{}, func(ctx context.Context, v any) error { ran++; return nil })

	if err := b.Dispatch(t.Context(), queuedGenerate{ChapterID: "ch-2"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ran != 0 {
		t.Fatalf("queueable command must not run synchronously")
	}
	if len(enq.cmds) != 1 || enq.opts[0].Queue != "generation" || enq.opts[0].DelaySeconds != 1 {
		t.Fatalf("enqueue options wrong: %+v", enq.opts)
	}

	// DispatchSync always bypasses the queue.
	if err := b.DispatchSync(t.Context(), queuedGenerate{ChapterID: "ch-2"}); err != nil {
		t.Fatalf("dispatch sync: %v", err)
	}
	if ran != 1 {
		t.Fatalf("sync dispatch must run the handler")
	}
}

func Test_QueueableWithoutEnqueuerFails(t *testing.T) {
	b := mediator.New(nil, nil)

	var ran int
	_ = b.BindCommandOf(queuedGenerate{}, func(ctx context.Context, v any) error { ran++; return nil })

	err := b.Dispatch(t.Context(), queuedGenerate{ChapterID: "ch-2"})
	if !errors.Is(err, cerr.ErrAsyncNotConfigured) {
		t.Fatalf("expected async_not_configured, got %v", err)
	}
	if ran != 0 {
		t.Fatalf("queueable command must not run inline")
	}

	// explicit sync execution is still available
	if err := b.DispatchSync(t.Context(), queuedGenerate{ChapterID: "ch-2"}); err != nil || ran != 1 {
		t.Fatalf("dispatch sync: err=%v ran=%d", err, ran)
	}
}

func Test_AskTypedAndUntyped(t *testing.T) {
	b := mediator.New(nil, nil)
	_ = mediator.BindQuery[getChapter, chapterView](b, getChapterHandler{})

	v, err := mediator.Ask[getChapter, chapterView](t.Context(), b, getChapter{ChapterID: "ch-3"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if v.ChapterID != "ch-3" || v.Status != "draft" {
		t.Fatalf("unexpected view: %+v", v)
	}

	raw, err := b.Ask(t.Context(), getChapter{ChapterID: "ch-3"})
	if err != nil {
		t.Fatalf("ask untyped: %v", err)
	}
	if _, ok := raw.(chapterView); !ok {
		t.Fatalf("unexpected result type %T", raw)
	}

	if _, err := b.Ask(t.Context(), struct{ X int }{}); !errors.Is(err, cerr.ErrHandlerNotFound) {
		t.Fatalf("expected handler_not_found, got %v", err)
	}

	// wrong result type through the typed helper
	if _, err := mediator.Ask[getChapter, int](t.Context(), b, getChapter{}); !errors.Is(err, cerr.ErrHandlerTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func Test_SendRoutesSymmetrically(t *testing.T) {
	b := mediator.New(nil, nil)
	h := &draftHandler{}
	_ = mediator.BindCommand[draftChapter](b, h)
	_ = mediator.BindQuery[getChapter, chapterView](b, getChapterHandler{})

	res, err := b.Send(t.Context(), draftChapter{ChapterID: "ch-4"})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if res != nil {
		t.Fatalf("command result must be nil, got %v", res)
	}
	if len(h.seen) != 1 {
		t.Fatalf("command handler not invoked")
	}

	res, err = b.Send(t.Context(), getChapter{ChapterID: "ch-4"})
	if err != nil {
		t.Fatalf("send query: %v", err)
	}
	if view, ok := res.(chapterView); !ok || view.ChapterID != "ch-4" {
		t.Fatalf("unexpected query result: %v", res)
	}

	_, err = b.Send(t.Context(), struct{ Unknown bool }{})
	if !errors.Is(err, cerr.ErrHandlerNotFound) {
		t.Fatalf("expected handler_not_found for unknown type, got %v", err)
	}
}

func Test_MiddlewareOrder(t *testing.T) {
	var trace []string

	mw := func(name string) mediator.CommandMiddleware {
		return func(next func(ctx context.Context, cmd any) error) func(ctx context.Context, cmd any) error {
			return func(ctx context.Context, cmd any) error {
				trace = append(trace, "pre:"+name)
				err := next(ctx, cmd)
				trace = append(trace, "post:"+name)
				return err
			}
		}
	}

	b := mediator.New(nil, nil, mediator.WithCommandMiddleware(mw("a"), mw("b")))
	_ = b.BindCommandOf(draftChapter{}, func(ctx context.Context, v any) error {
		trace = append(trace, "handler")
		return nil
	})

	if err := b.DispatchWithMiddleware(t.Context(), draftChapter{}, mw("c")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := []string{"pre:a", "pre:b", "pre:c", "handler", "post:c", "post:b", "post:a"}
	if len(trace) != len(want) {
		t.Fatalf("trace: %v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d]=%s want %s (full: %v)", i, trace[i], want[i], trace)
		}
	}
}

func Test_ChainStopsOnFirstError(t *testing.T) {
	b := mediator.New(nil, nil)
	boom := errors.New("already approved")

	var calls int
	_ = b.BindCommandOf(approveChapter{}, func(ctx context.Context, v any) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	err := b.Chain(t.Context(),
		approveChapter{ChapterID: "ch-1"},
		approveChapter{ChapterID: "ch-1"},
		approveChapter{ChapterID: "ch-1"},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected chain to surface handler error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("chain must stop after failure: calls=%d", calls)
	}
}

func Test_BatchAggregatesErrors(t *testing.T) {
	b := mediator.New(nil, nil)
	boom := errors.New("graph store unavailable")

	var calls int
	_ = b.BindCommandOf(draftChapter{}, func(ctx context.Context, v any) error {
		calls++
		if calls%2 == 0 {
			return boom
		}
		return nil
	})

	var progress, failed int
	err := b.Batch(t.Context(),
		[]cbus.Command{draftChapter{}, draftChapter{}, draftChapter{}, draftChapter{}},
		mediator.WithBatchProgress(func(done, total int) { progress = done }),
		mediator.WithBatchOnError(func(i int, cmd cbus.Command, err error) { failed++ }),
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	if calls != 4 || progress != 4 || failed != 2 {
		t.Fatalf("batch accounting wrong: calls=%d progress=%d failed=%d", calls, progress, failed)
	}
}

func Test_BatchHonorsCancellation(t *testing.T) {
	b := mediator.New(nil, nil)
	_ = b.BindCommandOf(draftChapter{}, func(ctx context.Context, v any) error { return nil })

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := b.Batch(ctx, []cbus.Command{draftChapter{}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// Dispatching the same command twice is not deduplicated by the
// infrastructure; the handler's own error surfaces unchanged.
func Test_CommandsAreNotDeduplicated(t *testing.T) {
	b := mediator.New(nil, nil)

	approved := map[string]bool{}
	errAlreadyApproved := errors.New("chapter already approved")

	_ = b.BindCommandOf(approveChapter{}, func(ctx context.Context, v any) error {
		c := v.(approveChapter)
		if approved[c.ChapterID] {
			return errAlreadyApproved
		}
		approved[c.ChapterID] = true
		return nil
	})

	if err := b.Dispatch(t.Context(), approveChapter{ChapterID: "ch-9"}); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	err := b.Dispatch(t.Context(), approveChapter{ChapterID: "ch-9"})
	if !errors.Is(err, errAlreadyApproved) {
		t.Fatalf("expected the handler's own error, got %v", err)
	}
}

func Test_Facades(t *testing.T) {
	b := mediator.New(nil, nil)
	h := &draftHandler{}
	_ = mediator.BindCommand[draftChapter](b, h)
	_ = mediator.BindQuery[getChapter, chapterView](b, getChapterHandler{})

	cb := mediator.NewCommandBus(b)
	if err := cb.Dispatch(t.Context(), draftChapter{ChapterID: "a"}); err != nil {
		t.Fatalf("facade dispatch: %v", err)
	}
	if err := cb.DispatchNow(t.Context(), draftChapter{ChapterID: "b"}); err != nil {
		t.Fatalf("facade dispatch now: %v", err)
	}

	qb := mediator.NewQueryBus(b)
	if _, err := qb.Ask(t.Context(), getChapter{ChapterID: "c"}); err != nil {
		t.Fatalf("facade ask: %v", err)
	}
	v, err := mediator.AskGeneric[getChapter, chapterView](t.Context(), qb, getChapter{ChapterID: "d"})
	if err != nil || v.ChapterID != "d" {
		t.Fatalf("facade ask generic: %v %+v", err, v)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
