package main

import (
	"reflect"
	"testing"
	"time"

	"karui-search/config"
	"karui-search/models"
	"karui-search/utils"
)

func TestFetcherSetSharesDirectAndRejectsUnknownStrategy(t *testing.T) {
	f := newFetchers(&config.Config{RequestTimeout: time.Second}, utils.NewNopLogger())
	defer f.Close()

	src := models.Source{ID: "mitsui"}
	a, err := f.For(src, models.StrategyDirect)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	b, err := f.For(models.Source{ID: "suumo"}, "")
	if err != nil {
		t.Fatalf("default strategy: %v", err)
	}
	if a != b {
		t.Error("direct sources should share one client")
	}

	if _, err := f.For(src, models.FetchStrategy("carrier-pigeon")); err == nil {
		t.Error("unknown strategy should be an error")
	}
	if len(f.rendered) != 0 {
		t.Errorf("no browser should be started, got %d", len(f.rendered))
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"mitsui", []string{"mitsui"}},
		{" mitsui, ,suumo ,", []string{"mitsui", "suumo"}},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitList(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}
