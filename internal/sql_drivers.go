package internal

import (
	// database/sql drivers for the sql notification publisher.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
