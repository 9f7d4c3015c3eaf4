package db

import (
	"context"
	"fmt"

	"hintpilot/internal/arm"
	"hintpilot/internal/config"
	"hintpilot/internal/util"
)

// EnsureDatabase creates the workload database on TiDB if it does not exist.
// Other backends expect the database to be provisioned out of band.
func EnsureDatabase(ctx context.Context, backend arm.Backend, dsn string, dbName string) error {
	if dbName == "" || backend != arm.TiDB {
		return nil
	}
	if err := checkHint(dbName, "on"); err != nil {
		return err
	}
	exec, err := Open(backend, config.AdminDSN(dsn))
	if err != nil {
		return err
	}
	defer util.CloseWithErr(exec, "db exec")
	_, err = exec.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", dbName))
	return err
}
