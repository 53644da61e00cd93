package format

import (
	"testing"
)

func TestHumanNumber(t *testing.T) {
	cases := map[uint64]string{
		0:             "0",
		999:           "999",
		1000:          "1.00K",
		28_000:        "28.0K",
		86_600_000:    "86.6M",
		125_000_000:   "125M",
		2_850_000_000: "2.85B",
	}

	for input, want := range cases {
		t.Run(want, func(t *testing.T) {
			if got := HumanNumber(input); got != want {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:             "0 B",
		1000:          "1000 B",
		1001:          "1.0 KB",
		346_400_000:   "346.4 MB",
		2_000_000_001: "2.0 GB",
	}

	for input, want := range cases {
		t.Run(want, func(t *testing.T) {
			if got := HumanBytes(input); got != want {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}
}
