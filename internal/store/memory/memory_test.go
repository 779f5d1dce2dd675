package memory

import (
	"testing"

	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
