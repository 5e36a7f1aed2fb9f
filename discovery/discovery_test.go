package discovery

import "testing"

func TestTxtNodeID(t *testing.T) {
	cases := []struct {
		txt  []string
		want string
	}{
		{[]string{"node_id=abc123"}, "abc123"},
		{[]string{"txtv=0", "node_id=xyz"}, "xyz"},
		{[]string{"txtv=0"}, ""},
		{nil, ""},
	}
	for _, c := range cases {
		if got := txtNodeID(c.txt); got != c.want {
			t.Errorf("txtNodeID(%v) = %q, want %q", c.txt, got, c.want)
		}
	}
}
