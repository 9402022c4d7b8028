package archive_test

import (
	"context"
	"os"
	"testing"

	archivetesting "github.com/malbeclabs/payouts/settlement/pkg/archive/testing"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
)

var sharedDB *archivetesting.DB

func TestMain(m *testing.M) {
	log := payoutstesting.NewLogger()
	var err error
	sharedDB, err = archivetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
