package executor

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/agent"
	agenttest "github.com/micromdm/nanoflow/agent/test"
	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/vars"
)

const device = "emulator-5554"

func screen() *agent.Snapshot {
	return &agent.Snapshot{Elements: []agent.Element{
		{Index: 0, ResourceID: "rid", Text: "OK", Bounds: flow.Bounds{Left: 0, Top: 0, Right: 100, Bottom: 40}, Visible: true, Checked: true},
		{Index: 1, ResourceID: "name", Text: "Alice", Bounds: flow.Bounds{Left: 0, Top: 50, Right: 100, Bottom: 90}, Visible: true},
	}}
}

func newSession(a agent.Agent) *Session {
	return &Session{
		DeviceID:    device,
		Agent:       a,
		Bindings:    vars.NewBindings(nil),
		TaskTimeout: time.Second,
		MaxRetries:  2,
	}
}

func newTestExecutor(opts ...Option) *Executor {
	return New(append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)...)
}

var configs = map[flow.NodeType]string{
	flow.Tap:            `{"resourceId":"rid"}`,
	flow.DoubleTap:      `{"resourceId":"rid","interval":10}`,
	flow.LongPress:      `{"resourceId":"rid"}`,
	flow.TextInput:      `{"resourceId":"rid","text":"x","clearFirst":true}`,
	flow.Swipe:          `{"direction":"up","percent":0.5}`,
	flow.Scroll:         `{"direction":"down","steps":2}`,
	flow.DragDrop:       `{"source":{"resourceId":"rid"},"destination":{"text":"Alice"}}`,
	flow.PinchZoom:      `{"x":10,"y":10,"scale":2}`,
	flow.Fling:          `{"direction":"left"}`,
	flow.KeyEvent:       `{"keyCode":66}`,
	flow.Back:           ``,
	flow.Home:           ``,
	flow.Recents:        ``,
	flow.Notifications:  ``,
	flow.QuickSettings:  ``,
	flow.VolumeUp:       ``,
	flow.VolumeDown:     ``,
	flow.MediaPlayPause: ``,
	flow.OpenApp:        `{"packageName":"com.example.app"}`,
	flow.WaitForElement: `{"resourceId":"rid","timeout":1000}`,
	flow.Assert:         `{"resourceId":"rid","checkType":"exists"}`,
	flow.ElementCheck:   `{"resourceId":"rid","checkType":"exists"}`,
	flow.GetBounds:      `{"resourceId":"rid","outputVariable":"v"}`,
	flow.IsVisible:      `{"resourceId":"rid","outputVariable":"v"}`,
	flow.CountElements:  `{"resourceId":"rid","outputVariable":"v"}`,
	flow.ClearText:      `{"resourceId":"rid"}`,
	flow.AppendText:     `{"resourceId":"rid","text":"y"}`,
	flow.SelectAll:      `{"resourceId":"rid"}`,
	flow.GetText:        `{"resourceId":"rid","outputVariable":"v"}`,
	flow.RepeatClick:    `{"resourceId":"rid","clickCount":2}`,
}

func TestEveryNodeTypeHandled(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	e := newTestExecutor()
	for _, nt := range flow.NodeTypes {
		cfg, ok := configs[nt]
		if !ok {
			t.Errorf("no test config for node type: %s", nt)
			continue
		}
		n := &flow.Node{ID: "n", Type: nt, Config: []byte(cfg)}
		o := e.Execute(context.Background(), newSession(a), n)
		if errors.Is(o.Err, ErrNoHandler) {
			t.Errorf("%s: no handler", nt)
			continue
		}
		if have, want := o.Status, job.TaskCompleted; have != want {
			t.Errorf("%s: have: %v, want: %v (%v)", nt, have, want, o.Err)
		}
	}
}

func TestTapDispatchesResolvedTarget(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	started := 0
	s := newSession(a)
	s.Started = func() { started++ }
	o := newTestExecutor().Execute(context.Background(), s, &flow.Node{ID: "n", Type: flow.RepeatClick, Config: []byte(`{"resourceId":"name","clickCount":3}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	if have, want := a.Actions(device), []string{agent.CmdTap, agent.CmdTap, agent.CmdTap}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	cmds := a.Commands(device)
	last := cmds[len(cmds)-1]
	if last.Target == nil || last.Target.X != 50 || last.Target.Y != 70 {
		t.Errorf("unexpected target: %+v", last.Target)
	}
	if have, want := started, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if o.Result() == nil {
		t.Error("expected task result")
	}
}

func TestRepeatClickJitter(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	var calls [][2]int
	e := newTestExecutor(WithJitter(func(min, max int) int {
		calls = append(calls, [2]int{min, max})
		return min
	}))
	o := e.Execute(context.Background(), newSession(a), &flow.Node{ID: "n", Type: flow.RepeatClick, Config: []byte(`{"resourceId":"rid","clickCount":3,"minDelay":1,"maxDelay":5}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	if have, want := calls, [][2]int{{1, 5}, {1, 5}}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestWaitForElementSkip(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	s := newSession(a)
	s.Started = func() { t.Error("a skipped wait must not start its task") }
	o := newTestExecutor().Execute(context.Background(), s, &flow.Node{
		ID: "w", Type: flow.WaitForElement,
		Config: []byte(`{"resourceId":"never","timeout":50,"onTimeout":"skip"}`),
	})
	if have, want := o.Status, job.TaskSkipped; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if len(a.Actions(device)) != 0 {
		t.Errorf("unexpected actions: %v", a.Actions(device))
	}
}

func TestWaitForElementRetryExhausted(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	o := newTestExecutor().Execute(context.Background(), newSession(a), &flow.Node{
		ID: "w", Type: flow.WaitForElement,
		Config: []byte(`{"resourceId":"never","timeout":20,"onTimeout":"retry"}`),
	})
	if have, want := o.Status, job.TaskFailed; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := o.Attempts, 3; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := o.Kind(), job.KindTimeout; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestWaitForElementAppears(t *testing.T) {
	a := agenttest.New()
	a.SetScreenFunc(device, func(n int) *agent.Snapshot {
		if n < 2 {
			return &agent.Snapshot{}
		}
		return screen()
	})
	o := newTestExecutor().Execute(context.Background(), newSession(a), &flow.Node{
		ID: "w", Type: flow.WaitForElement,
		Config: []byte(`{"text":"OK","timeout":2000,"pollInterval":5}`),
	})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	if have, want := len(a.Commands(device)), 3; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestAssertPolicies(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	e := newTestExecutor()
	for _, tc := range []struct {
		policy   string
		cont     bool
		attempts int
	}{
		{"stop", false, 1},
		{"continue", true, 1},
		{"retry", false, 3},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			o := e.Execute(context.Background(), newSession(a), &flow.Node{
				ID: "a", Type: flow.Assert,
				Config: []byte(`{"resourceId":"name","checkType":"text_equals","expectedText":"Bob","onFailure":"` + tc.policy + `"}`),
			})
			if have, want := o.Status, job.TaskFailed; have != want {
				t.Fatalf("have: %v, want: %v", have, want)
			}
			if have, want := o.Kind(), job.KindAssertion; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := o.Continue, tc.cont; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := o.Attempts, tc.attempts; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}

func TestElementCheckPredicates(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	e := newTestExecutor()
	for _, tc := range []struct {
		cfg  string
		want bool
	}{
		{`{"text":"OK","checkType":"exists"}`, true},
		{`{"text":"Nope","checkType":"exists"}`, false},
		{`{"text":"Nope","checkType":"not_exists"}`, true},
		{`{"resourceId":"name","checkType":"text_contains","expectedText":"lic"}`, true},
		{`{"resourceId":"name","checkType":"text_equals","expectedText":"alice","ignoreCase":true}`, true},
		{`{"resourceId":"rid","checkType":"is_checked"}`, true},
		{`{"resourceId":"name","checkType":"is_checked"}`, false},
	} {
		o := e.Execute(context.Background(), newSession(a), &flow.Node{ID: "c", Type: flow.ElementCheck, Config: []byte(tc.cfg)})
		if o.Status != job.TaskCompleted || o.Branch == nil {
			t.Fatalf("%s: unexpected outcome: %v %v", tc.cfg, o.Status, o.Err)
		}
		if have := *o.Branch; have != tc.want {
			t.Errorf("%s: have: %v, want: %v", tc.cfg, have, tc.want)
		}
	}
}

func TestCoordinateFallbackMatchesNoElement(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, &agent.Snapshot{})
	e := newTestExecutor()
	const target = `"resourceId":"gone","x":5,"y":5`

	for _, tc := range []struct {
		nt   flow.NodeType
		cfg  string
		want vars.Value
	}{
		{flow.IsVisible, `{` + target + `,"outputVariable":"v"}`, vars.Bool(false)},
		{flow.CountElements, `{` + target + `,"outputVariable":"v"}`, vars.Int(0)},
	} {
		s := newSession(a)
		o := e.Execute(context.Background(), s, &flow.Node{ID: "o", Type: tc.nt, Config: []byte(tc.cfg)})
		if o.Err != nil {
			t.Fatalf("%s: %v", tc.nt, o.Err)
		}
		v, _ := s.Bindings.Get("v")
		if have, want := v.Render(), tc.want.Render(); have != want {
			t.Errorf("%s: have: %v, want: %v", tc.nt, have, want)
		}
	}

	for _, tc := range []struct {
		check string
		want  bool
	}{
		{"exists", false},
		{"not_exists", true},
		{"is_checked", false},
	} {
		o := e.Execute(context.Background(), newSession(a), &flow.Node{
			ID: "c", Type: flow.ElementCheck,
			Config: []byte(`{` + target + `,"checkType":"` + tc.check + `"}`),
		})
		if o.Status != job.TaskCompleted || o.Branch == nil {
			t.Fatalf("%s: unexpected outcome: %v %v", tc.check, o.Status, o.Err)
		}
		if have := *o.Branch; have != tc.want {
			t.Errorf("%s: have: %v, want: %v", tc.check, have, tc.want)
		}
	}

	o := e.Execute(context.Background(), newSession(a), &flow.Node{
		ID: "w", Type: flow.WaitForElement,
		Config: []byte(`{` + target + `,"timeout":30,"onTimeout":"skip"}`),
	})
	if have, want := o.Status, job.TaskSkipped; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// acting on the coordinates still works
	o = e.Execute(context.Background(), newSession(a), &flow.Node{ID: "t", Type: flow.Tap, Config: []byte(`{` + target + `}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	cmds := a.Commands(device)
	last := cmds[len(cmds)-1]
	if last.Target == nil || last.Target.X != 5 || last.Target.Y != 5 {
		t.Errorf("unexpected target: %+v", last.Target)
	}
}

func TestCountElementsCountsAllMatches(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, &agent.Snapshot{Elements: []agent.Element{
		{Index: 0, Text: "OK", Visible: true},
		{Index: 1, Text: "OK button", Visible: true},
		{Index: 2, Text: "OK again", Visible: true},
		{Index: 3, Text: "Cancel", Visible: true},
	}})
	e := newTestExecutor()
	for _, tc := range []struct {
		cfg  string
		want float64
	}{
		{`{"text":"OK","outputVariable":"n"}`, 1},
		{`{"text":"OK","fuzzyMatch":true,"outputVariable":"n"}`, 3},
		{`{"text":"ok","fuzzyMatch":true,"ignoreCase":true,"outputVariable":"n"}`, 3},
	} {
		s := newSession(a)
		o := e.Execute(context.Background(), s, &flow.Node{ID: "c", Type: flow.CountElements, Config: []byte(tc.cfg)})
		if o.Err != nil {
			t.Fatalf("%s: %v", tc.cfg, o.Err)
		}
		v, _ := s.Bindings.Get("n")
		if have, want := v.Num(), tc.want; have != want {
			t.Errorf("%s: have: %v, want: %v", tc.cfg, have, want)
		}
	}

	// the exact match is still the element acted on
	o := e.Execute(context.Background(), newSession(a), &flow.Node{ID: "g", Type: flow.GetText, Config: []byte(`{"text":"OK","fuzzyMatch":true,"outputVariable":"t"}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	if have, want := o.Resolution.Element.Index, 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestTextInputSelectsByTargetText(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	o := newTestExecutor().Execute(context.Background(), newSession(a), &flow.Node{
		ID: "t", Type: flow.TextInput,
		Config: []byte(`{"targetText":"Alice","text":"Bob"}`),
	})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	cmds := a.Commands(device)
	last := cmds[len(cmds)-1]
	if have, want := last.Params["text"], "Bob"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if last.Target == nil || last.Target.Y != 70 {
		t.Errorf("unexpected target: %+v", last.Target)
	}
}

func TestOutputAndInterpolation(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	e := newTestExecutor()
	s := newSession(a)

	o := e.Execute(context.Background(), s, &flow.Node{ID: "g", Type: flow.GetText, Config: []byte(`{"resourceId":"name","outputVariable":"who"}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	o = e.Execute(context.Background(), s, &flow.Node{ID: "b", Type: flow.GetBounds, Config: []byte(`{"resourceId":"name","outputVariable":"box"}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	o = e.Execute(context.Background(), s, &flow.Node{ID: "c", Type: flow.CountElements, Config: []byte(`{"text":"Nobody","outputVariable":"n"}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	if v, _ := s.Bindings.Get("n"); v.Kind() != vars.KindNumber || v.Num() != 0 {
		t.Errorf("unexpected count: %v", v.Render())
	}

	o = e.Execute(context.Background(), s, &flow.Node{ID: "t", Type: flow.TextInput, Config: []byte(`{"resourceId":"rid","text":"hi {{who}} at {{box.centerY}}"}`)})
	if o.Err != nil {
		t.Fatal(o.Err)
	}
	cmds := a.Commands(device)
	last := cmds[len(cmds)-1]
	if have, want := last.Params["text"], "hi Alice at 70"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	o = e.Execute(context.Background(), s, &flow.Node{ID: "u", Type: flow.Tap, Config: []byte(`{"text":"{{missing}}"}`)})
	var uerr *vars.UnresolvedError
	if !errors.As(o.Err, &uerr) {
		t.Errorf("expected UnresolvedError, have: %v", o.Err)
	}
	if have, want := o.Kind(), job.KindConfig; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestFailureKinds(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	a.FailCommand(agent.CmdOpenApp, "package not installed")

	e := newTestExecutor()
	o := e.Execute(context.Background(), newSession(a), &flow.Node{ID: "t", Type: flow.Tap, Config: []byte(`{"resourceId":"missing","selectorPriority":"id","text":"OK"}`)})
	var rerr *ResolutionError
	if !errors.As(o.Err, &rerr) {
		t.Fatalf("expected ResolutionError, have: %v", o.Err)
	}
	if have, want := o.Kind(), job.KindResolution; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	o = e.Execute(context.Background(), newSession(a), &flow.Node{ID: "o", Type: flow.OpenApp, Config: []byte(`{"packageName":"com.nope"}`)})
	if have, want := o.Kind(), job.KindAgent; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !errors.Is(o.Err, agent.ErrCommand) {
		t.Errorf("have: %v, want: %v", o.Err, agent.ErrCommand)
	}

	s := newSession(a)
	s.TaskTimeout = 0
	o = e.Execute(context.Background(), s, &flow.Node{ID: "h", Type: flow.Home})
	if !errors.Is(o.Err, ErrZeroTimeout) {
		t.Errorf("have: %v, want: %v", o.Err, ErrZeroTimeout)
	}

	slow := agenttest.New()
	slow.Delay = 500 * time.Millisecond
	o = e.Execute(context.Background(), newSession(slow), &flow.Node{ID: "h", Type: flow.Home, Config: []byte(`{"timeout":20}`)})
	if have, want := o.Kind(), job.KindTimeout; have != want {
		t.Errorf("have: %v, want: %v (%v)", have, want, o.Err)
	}
}

func TestCancellation(t *testing.T) {
	a := agenttest.New()
	a.SetScreen(device, screen())
	e := newTestExecutor()

	s := newSession(a)
	s.Cancelled = func() bool { return true }
	o := e.Execute(context.Background(), s, &flow.Node{ID: "t", Type: flow.Tap, Config: []byte(`{"resourceId":"rid"}`)})
	if !o.Cancelled() {
		t.Fatalf("expected cancellation, have: %v", o.Err)
	}
	if have := len(a.Commands(device)); have != 0 {
		t.Errorf("expected no commands, have: %v", have)
	}

	// cancelled while the command is in flight: the result is discarded
	var cancelled atomic.Bool
	a.Hook = func(_ context.Context, cmd *agent.Command) (*agent.Result, error) {
		if cmd.Command == agent.CmdTap {
			cancelled.Store(true)
		}
		return nil, nil
	}
	s = newSession(a)
	s.Cancelled = cancelled.Load
	o = e.Execute(context.Background(), s, &flow.Node{ID: "t", Type: flow.Tap, Config: []byte(`{"resourceId":"rid"}`)})
	if !o.Cancelled() {
		t.Errorf("expected cancellation, have: %v", o.Err)
	}
	if have, want := o.Status, job.TaskFailed; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
