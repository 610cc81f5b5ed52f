// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
)

// StoreOptions selects and configures a store backend.
//
// Example:
//
//	store:
//	  backend: sqlite
//	  dsn: ./.agio/agio.db
type StoreOptions struct {
	// Backend is one of: memory, sqlite, postgres, mysql, mongo.
	Backend string `yaml:"backend" json:"backend"`

	// DSN is the driver connection string. For mongo this is the
	// connection URI.
	DSN string `yaml:"dsn" json:"dsn"`

	// Database is the Mongo database name. Ignored by SQL backends.
	Database string `yaml:"database" json:"database"`
}

// NewService creates a store from options. An empty backend selects the
// in-memory store.
func NewService(ctx context.Context, opts StoreOptions) (Service, error) {
	switch opts.Backend {
	case "", "memory":
		return InMemoryService(), nil

	case "sqlite", "sqlite3", "postgres", "mysql":
		driver := opts.Backend
		if driver == "sqlite" {
			driver = "sqlite3"
		}
		db, err := sql.Open(driver, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		svc, err := NewSQLService(db, opts.Backend)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return svc, nil

	case "mongo", "mongodb":
		if opts.Database == "" {
			return nil, fmt.Errorf("mongo backend requires a database name")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(opts.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		svc, err := NewMongoService(MongoOptions{
			Client:   client,
			Database: opts.Database,
		})
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return svc, nil

	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
}
