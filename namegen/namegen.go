package namegen

import (
	"fmt"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

func Get() string {
	return gen.Get()
}

// NodeName returns a fresh hostname-safe node name starting with prefix.
func NodeName(prefix string) string {
	name := strings.ToLower(strings.ReplaceAll(Get(), "_", "-"))
	return fmt.Sprintf("%s-%s", prefix, name)
}
