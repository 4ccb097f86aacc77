package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathID(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"empty path", "", "d41d8cd98f00b204e9800998ecf8427e"},
		{"relative path", "a.jpg", PathID("a.jpg")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PathID(tt.path)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, 32)
		})
	}

	assert.NotEqual(t, PathID("/images/a.jpg"), PathID("/images/b.jpg"))
	assert.Equal(t, PathID("/images/a.jpg"), PathID("/images/a.jpg"))
}
