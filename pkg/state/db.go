// Copyright 2026 KSI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package state

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/ksi-project/ksi/internal/sqlitedriver"
)

// DBConfig holds the shared-state database configuration, including
// optional encryption at rest.
type DBConfig struct {
	// Path to the SQLite database file.
	Path string

	// EncryptDatabase enables SQLCipher encryption at rest.
	// When true, requires EncryptionKey (or KSI_DB_KEY) to be set,
	// and the binary must be built with the CGO SQLCipher driver.
	EncryptDatabase bool

	// EncryptionKey is the encryption key for SQLCipher. Can be provided
	// directly or via the KSI_DB_KEY environment variable.
	EncryptionKey string
}

// OpenDB opens the shared-state SQLite database with optional encryption.
//
// The driver name "sqlite3" is registered by internal/sqlitedriver: CGO
// builds get SQLCipher, pure-Go builds get modernc (no encryption).
func OpenDB(config DBConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.EncryptDatabase {
		if !sqlitedriver.EncryptionSupported {
			db.Close()
			return nil, fmt.Errorf("encryption enabled but this build's SQLite driver does not support it")
		}
		key := config.EncryptionKey
		if key == "" {
			key = os.Getenv("KSI_DB_KEY")
		}
		if key == "" {
			db.Close()
			return nil, fmt.Errorf("encryption enabled but no key provided (set EncryptionKey or KSI_DB_KEY env var)")
		}

		// Must be the first statement after opening the database.
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = '%s'", key)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set encryption key: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		if config.EncryptDatabase {
			return nil, fmt.Errorf("failed to verify encryption key (wrong key or corrupted database): %w", err)
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}
