package execution

import (
	"os"
	"testing"

	"github.com/michaelbrown/labrun/internal/sandbox"
)

func TestMain(m *testing.M) {
	sandbox.Init()
	os.Exit(m.Run())
}
