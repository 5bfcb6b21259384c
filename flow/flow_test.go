package flow

import (
	"errors"
	"os"
	"reflect"
	"testing"
)

func loadTestFlow(t *testing.T, name string) *Flow {
	t.Helper()
	raw, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatal(err)
	}
	var f *Flow
	if name[len(name)-5:] == ".yaml" {
		f, err = ParseYAML(raw)
	} else {
		f, err = Parse(raw)
	}
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestParseJSONAndYAML(t *testing.T) {
	jf := loadTestFlow(t, "login.json")
	yf := loadTestFlow(t, "login.yaml")

	if have, want := len(jf.Nodes), 7; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(yf.Nodes), len(jf.Nodes); have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if !reflect.DeepEqual(jf.Edges, yf.Edges) {
		t.Errorf("edges differ: %v %v", jf.Edges, yf.Edges)
	}

	for i := range jf.Nodes {
		if have, want := yf.Nodes[i].Type, jf.Nodes[i].Type; have != want {
			t.Errorf("node %d: have: %v, want: %v", i, have, want)
		}
		jc, err := DecodeConfig(jf.Nodes[i].Type, jf.Nodes[i].Config)
		if err != nil {
			t.Fatal(err)
		}
		yc, err := DecodeConfig(yf.Nodes[i].Type, yf.Nodes[i].Config)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(jc, yc) {
			t.Errorf("node %d: config differs: %#v %#v", i, jc, yc)
		}
	}
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(TextInput, []byte(`{"resourceId":"a:id/b","text":"hello","clearFirst":true,"timeout":1500}`))
	if err != nil {
		t.Fatal(err)
	}
	ti, ok := cfg.(*TextInputConfig)
	if !ok {
		t.Fatalf("wrong config type: %T", cfg)
	}
	if have, want := ti.Text, "hello"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := ti.ResourceID, "a:id/b"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := ti.Base().Timeout, 1500; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := ti.Priority(), PriorityAuto; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	cfg, err = DecodeConfig(Home, nil)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cfg.NodeType(), Home; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestDecodeConfigTargetText(t *testing.T) {
	cfg, err := DecodeConfig(TextInput, []byte(`{"targetText":"Username","text":"alice"}`))
	if err != nil {
		t.Fatal(err)
	}
	ti, ok := cfg.(*TextInputConfig)
	if !ok {
		t.Fatalf("wrong config type: %T", cfg)
	}
	if have, want := ti.Text, "alice"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := ti.Target.Text, "Username"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	cfg, err = DecodeConfig(AppendText, []byte(`{"targetText":"Notes","text":" more"}`))
	if err != nil {
		t.Fatal(err)
	}
	at, ok := cfg.(*AppendTextConfig)
	if !ok {
		t.Fatalf("wrong config type: %T", cfg)
	}
	if have, want := at.Text, " more"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := at.Target.Text, "Notes"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// "text" alone is the text to type and selects nothing
	if _, err = DecodeConfig(TextInput, []byte(`{"text":"alice"}`)); !errors.Is(err, ErrEmptyTarget) {
		t.Errorf("have: %v, want: %v", err, ErrEmptyTarget)
	}
}

func TestDecodeConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		typ  NodeType
		raw  string
		err  error
	}{
		{"wait without timeout", WaitForElement, `{"text":"x"}`, ErrMissingTimeout},
		{"wait zero timeout", WaitForElement, `{"text":"x","timeout":0}`, ErrMissingTimeout},
		{"wait bad policy", WaitForElement, `{"text":"x","timeout":10,"onTimeout":"explode"}`, ErrInvalidPolicy},
		{"tap no target", Tap, `{}`, ErrEmptyTarget},
		{"get_text no output", GetText, `{"text":"x"}`, ErrMissingOutput},
		{"get_text bad output", GetText, `{"text":"x","outputVariable":"a b"}`, ErrInvalidOutputName},
		{"repeat zero clicks", RepeatClick, `{"text":"x","clickCount":0}`, ErrInvalidClickCount},
		{"repeat bad range", RepeatClick, `{"text":"x","clickCount":2,"minDelay":50,"maxDelay":10}`, ErrInvalidDelayRange},
		{"assert bad check", Assert, `{"text":"x","checkType":"maybe"}`, ErrInvalidCheckType},
		{"scroll bad direction", Scroll, `{"direction":"sideways"}`, ErrInvalidDirection},
		{"swipe nothing", Swipe, `{}`, ErrInvalidSwipe},
		{"open_app no package", OpenApp, `{}`, ErrMissingPackageName},
		{"key_event no code", KeyEvent, `{}`, ErrInvalidKeyCode},
		{"pinch no scale", PinchZoom, `{"x":1,"y":2}`, ErrInvalidScale},
		{"drag no destination", DragDrop, `{"source":{"text":"a"}}`, ErrEmptyTarget},
		{"unknown type", NodeType("teleport"), `{}`, ErrUnknownNodeType},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeConfig(tc.typ, []byte(tc.raw))
			if !errors.Is(err, tc.err) {
				t.Errorf("have: %v, want: %v", err, tc.err)
			}
		})
	}
}

func TestEveryNodeTypeHasConfig(t *testing.T) {
	for _, nt := range NodeTypes {
		cfg := newConfig(nt)
		if cfg == nil {
			t.Errorf("no config for node type: %s", nt)
			continue
		}
		if have, want := cfg.NodeType(), nt; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
	}
}

func TestTargetCoordinates(t *testing.T) {
	x, y := 10, 20
	tgt := &Target{X: &x, Y: &y, Bounds: &Bounds{0, 0, 100, 100}}
	if hx, hy, ok := tgt.Coordinates(); !ok || hx != 10 || hy != 20 {
		t.Errorf("have: %v,%v (%v), want: 10,20", hx, hy, ok)
	}
	tgt = &Target{Bounds: &Bounds{Left: 100, Top: 200, Right: 300, Bottom: 400}}
	if hx, hy, ok := tgt.Coordinates(); !ok || hx != 200 || hy != 300 {
		t.Errorf("have: %v,%v (%v), want: 200,300", hx, hy, ok)
	}
	tgt = &Target{Bounds: &Bounds{}}
	if _, _, ok := tgt.Coordinates(); ok {
		t.Error("expected no coordinates for empty bounds")
	}
	if !tgt.Empty() {
		t.Error("expected empty target")
	}
}
