package recognition

import (
	"context"
	"testing"
)

func TestFactorySelect(t *testing.T) {
	available := ProbeFunc(func() bool { return true })
	unavailable := ProbeFunc(func() bool { return false })
	platform := &fakePlatform{}

	tests := []struct {
		name     string
		probe    Probe
		platform Platform
		opts     []Option
		want     Strategy
	}{
		{name: "native available", probe: available, platform: platform, want: StrategyNative},
		{name: "native unavailable", probe: unavailable, platform: platform, want: StrategyExternal},
		{name: "no platform", probe: available, want: StrategyExternal},
		{name: "no probe", platform: platform, want: StrategyExternal},
		{name: "forced external", probe: available, platform: platform, opts: []Option{WithStrategy(StrategyExternal)}, want: StrategyExternal},
		{name: "forced native", probe: unavailable, platform: platform, opts: []Option{WithStrategy(StrategyNative)}, want: StrategyNative},
		{name: "forced native without platform", probe: available, opts: []Option{WithStrategy(StrategyNative)}, want: StrategyExternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFactory(tt.probe, tt.platform, tt.opts...)
			if got := f.Select(); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			r := f.Create("en", nil)
			defer r.Close()
			if r.Strategy() != tt.want {
				t.Fatalf("created %q recognizer, want %q", r.Strategy(), tt.want)
			}
			if r.Lang() != "en" {
				t.Fatalf("unexpected lang %q", r.Lang())
			}
		})
	}
}

func TestFactoryCreateExternalPassesResolver(t *testing.T) {
	pool := &recorderPool{}
	f := NewFactory(nil, nil, WithRecorderFactory(pool.factory))
	resolved := make(chan string, 1)
	r := f.Create("en", ResolverFunc(func(_ context.Context, req ResolveRequest) (string, error) {
		resolved <- req.Lang
		return "ok", nil
	}))
	defer r.Close()

	ext, ok := r.(*ExternalRecognition)
	if !ok {
		t.Fatalf("expected external recognizer, got %T", r)
	}
	log := record(r)
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ext.Recorder().Stop()
	log.waitEnd(t)
	if lang := <-resolved; lang != "en" {
		t.Fatalf("unexpected lang %q", lang)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := map[string]struct {
		want    Strategy
		wantErr bool
	}{
		"":         {want: ""},
		"auto":     {want: ""},
		"native":   {want: StrategyNative},
		"external": {want: StrategyExternal},
		"cloud":    {wantErr: true},
	}
	for in, tt := range tests {
		got, err := ParseStrategy(in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseStrategy(%q): expected error", in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseStrategy(%q): %v", in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseStrategy(%q) = %q, want %q", in, got, tt.want)
		}
	}
}
