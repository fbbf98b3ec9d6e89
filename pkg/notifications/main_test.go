package notifications

import (
	"os"
	"testing"

	"github.com/labcontrol-io/platform/pkg/common/logger"
)

func TestMain(m *testing.M) {
	logger.Init("test")
	os.Exit(m.Run())
}
