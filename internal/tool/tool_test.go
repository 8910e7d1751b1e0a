package tool

import (
	"reflect"
	"testing"
)

func TestArgumentShapes(t *testing.T) {
	tests := []struct {
		name string
		call func(ipsw *IPSW) error
		want []string
	}{
		{
			name: "mirror appledb",
			call: func(ipsw *IPSW) error { return ipsw.MirrorAppleDB("iOS") },
			want: []string{"download", "appledb", "--os", "iOS", "--json"},
		},
		{
			name: "fetch key db",
			call: func(ipsw *IPSW) error { return ipsw.FetchKeyDB("iPadOS", "22B83") },
			want: []string{"download", "appledb", "--os", "iPadOS", "--build", "22B83", "--fcs-keys-json", "--confirm"},
		},
		{
			name: "fetch key pems",
			call: func(ipsw *IPSW) error { return ipsw.FetchKeys("iOS", "22A3354", "/tmp/x") },
			want: []string{"download", "appledb", "--os", "iOS", "--build", "22A3354", "--fcs-keys", "--output", "/tmp/x", "--confirm"},
		},
		{
			name: "refresh latest",
			call: func(ipsw *IPSW) error { return ipsw.RefreshKeyDB("macOS") },
			want: []string{"download", "appledb", "--os", "macOS", "--fcs-keys-json", "--latest", "--confirm"},
		},
		{
			name: "extract dmg",
			call: func(ipsw *IPSW) error {
				return ipsw.ExtractDMG("fw.ipsw", "sys", "fcs-keys.json", "out")
			},
			want: []string{"extract", "--dmg", "sys", "--pem-db", "fcs-keys.json", "--output", "out", "fw.ipsw"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ipsw := New("ipsw", false)
			var got []string
			ipsw.SetRunner(func(args ...string) error {
				got = args
				return nil
			})
			if err := tt.call(ipsw); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("args = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchKeyDBVerbose(t *testing.T) {
	ipsw := New("ipsw", true)
	var got []string
	ipsw.SetRunner(func(args ...string) error {
		got = args
		return nil
	})
	if err := ipsw.FetchKeyDB("iOS", "22A3354"); err != nil {
		t.Fatal(err)
	}
	if got[len(got)-1] != "--verbose" {
		t.Errorf("verbose runner did not append --verbose: %v", got)
	}
}
