package db

import "embed"

// Migrations holds the SQL files applied by `portal-server migrate up`.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that holds the files.
const MigrationsDir = "migrations"
