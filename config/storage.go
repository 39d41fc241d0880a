package config

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
	"github.com/unkn0wn-root/casorm/persister/memstore"
	"github.com/unkn0wn-root/casorm/persister/sqlstore"
)

// OpenStorage opens the configured backing store. The returned func closes
// it. With CreateSchema set, tables for every class of reg are created.
func OpenStorage(ctx context.Context, sc StorageConfig, reg *metadata.Registry, logger log.Logger) (persister.Storage, func() error, error) {
	if sc.Driver == "memory" {
		return memstore.New(), func() error { return nil }, nil
	}
	st, err := sqlstore.Open(sc.Driver, sc.DSN, sqlstore.Options{Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("config: storage: %w", err)
	}
	if sc.CreateSchema && reg != nil {
		if err := reg.Validate(); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		if err := st.CreateSchema(ctx, reg.Classes()); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("config: create schema: %w", err)
		}
	}
	return st, st.Close, nil
}
