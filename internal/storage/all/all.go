// Package all registers every history backend and the SQL Server driver.
// Commands blank-import it.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "chartform/internal/storage/mssql"
	_ "chartform/internal/storage/postgres"
	_ "chartform/internal/storage/sqlite"
)
