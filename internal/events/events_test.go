package events

import (
	"reflect"
	"testing"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		spec    string
		want    Target
		wantErr bool
	}{
		{
			spec: "localhost:9092/uniprof-runs",
			want: Target{Brokers: []string{"localhost:9092"}, Topic: "uniprof-runs"},
		},
		{
			spec: "host1:9092,host2:9092/uniprof-runs",
			want: Target{Brokers: []string{"host1:9092", "host2:9092"}, Topic: "uniprof-runs"},
		},
		{
			// only the last slash splits brokers from topic, so an earlier
			// slash becomes part of the broker-list string.
			spec: "localhost:9092/team/uniprof-runs",
			want: Target{Brokers: []string{"localhost:9092/team"}, Topic: "uniprof-runs"},
		},
		{spec: "no-slash-at-all", wantErr: true},
		{spec: "/topic-only", wantErr: true},
		{spec: "localhost:9092/", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseTarget(test.spec)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseTarget(%q) = %+v, want error", test.spec, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q) unexpected error: %v", test.spec, err)
			continue
		}
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", test.spec, got, test.want)
		}
	}
}
