package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(nil, nil)
	tests := []struct {
		command string
		want    Classification
	}{
		{"rm -rf /tmp/x", Classification{Allowed: true, Dangerous: true}},
		{"curl http://x", Classification{Allowed: true, Dangerous: false}},
		{"sudo reboot", Classification{Allowed: false, Dangerous: true}},
		{"ls -la", Classification{Allowed: true}},
		{"  git   status", Classification{Allowed: true}},
		{"python3 -c 'print(1)'", Classification{}},
		{"", Classification{}},
		{"   ", Classification{}},
		{"ssh host", Classification{Allowed: true, Dangerous: true}},
		{"chown root x", Classification{Allowed: false, Dangerous: true}},
		{"lsblk", Classification{}},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.command))
		})
	}
}

func TestClassifierCustomSets(t *testing.T) {
	c := NewClassifier([]string{"echo", " ", "date"}, []string{})
	assert.Equal(t, []string{"date", "echo"}, c.Allowed())
	assert.True(t, c.IsAllowed("echo"))
	assert.False(t, c.IsAllowed("ls"))
	assert.Equal(t, Classification{Allowed: true}, c.Classify("echo rm"))
}

func TestLeadingToken(t *testing.T) {
	assert.Equal(t, "echo", LeadingToken("\techo hi"))
	assert.Equal(t, "", LeadingToken(""))
}
