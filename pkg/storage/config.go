package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Storage backends selectable with -storage-provider.
const (
	ProviderFirestore = "firestore"
	ProviderMemory    = "memory"
)

// configuredDatabase is filled in once flags are parsed.
type configuredDatabase struct {
	Database
}

// Configured registers the storage flags and returns a Database that is ready
// after lflag.Configure. An unusable backend panics during Configure.
func Configured() Database {
	provider := lflag.String("storage-provider", ProviderFirestore, "Where plans, rates, actions and settings are kept (available: firestore, memory)")
	fs := configuredFirestore()

	db := &configuredDatabase{}
	lflag.Do(func() {
		opened, err := open(context.Background(), *provider, fs)
		if err != nil {
			panic(err)
		}
		db.Database = opened
	})
	return db
}

func open(ctx context.Context, provider string, fs *FirestoreProvider) (Database, error) {
	switch provider {
	case ProviderMemory:
		return NewMemory(), nil
	case ProviderFirestore:
		if err := fs.Validate(); err != nil {
			return nil, fmt.Errorf("invalid firestore settings: %w", err)
		}
		if err := fs.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open firestore: %w", err)
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}
