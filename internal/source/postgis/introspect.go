package postgis

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InspectFunction determines a tile function's signature by introspecting
// pg_proc: three arguments means f(z,x,y), four means f(z,x,y,query_json).
// When the function is overloaded the widest signature wins.
func InspectFunction(ctx context.Context, pool *pgxpool.Pool, schema, function string) (hasQueryParams bool, err error) {
	var nargs int
	err = pool.QueryRow(ctx, `
		SELECT p.pronargs
		FROM pg_proc p
		JOIN pg_namespace n ON p.pronamespace = n.oid
		WHERE n.nspname = $1 AND p.proname = $2
		ORDER BY p.pronargs DESC
		LIMIT 1`, schema, function).Scan(&nargs)
	if err == pgx.ErrNoRows {
		return false, fmt.Errorf("postgis: function %s.%s does not exist", schema, function)
	}
	if err != nil {
		return false, fmt.Errorf("postgis: introspect function %s.%s: %w", schema, function, err)
	}

	switch nargs {
	case 3:
		return false, nil
	case 4:
		return true, nil
	default:
		return false, fmt.Errorf("postgis: function %s.%s takes %d arguments, want f(z,x,y) or f(z,x,y,query_json)", schema, function, nargs)
	}
}

// InspectTable discovers a table source's metadata: the geometry column's
// SRID from geometry_columns, and the property columns with their TileJSON
// field types from information_schema.columns. Configured values win over
// discovered ones; an empty Columns list means "every non-geometry column".
func InspectTable(ctx context.Context, pool *pgxpool.Pool, cfg TableConfig) (TableConfig, error) {
	if cfg.SRID == 0 {
		var srid int
		err := pool.QueryRow(ctx, `
			SELECT srid FROM geometry_columns
			WHERE f_table_schema = $1 AND f_table_name = $2 AND f_geometry_column = $3`,
			cfg.Schema, cfg.Table, cfg.GeometryColumn).Scan(&srid)
		switch {
		case err == pgx.ErrNoRows:
			// Not registered in geometry_columns; OpenTable's 3857 default applies.
		case err != nil:
			return cfg, fmt.Errorf("postgis: introspect srid of %s.%s: %w", cfg.Schema, cfg.Table, err)
		default:
			cfg.SRID = srid
		}
	}

	rows, err := pool.Query(ctx, `
		SELECT column_name, udt_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`,
		cfg.Schema, cfg.Table)
	if err != nil {
		return cfg, fmt.Errorf("postgis: introspect columns of %s.%s: %w", cfg.Schema, cfg.Table, err)
	}
	defer rows.Close()

	types := make(map[string]string)
	sawAny := false
	for rows.Next() {
		var name, udt string
		if err := rows.Scan(&name, &udt); err != nil {
			return cfg, fmt.Errorf("postgis: scan column of %s.%s: %w", cfg.Schema, cfg.Table, err)
		}
		sawAny = true
		if name == cfg.GeometryColumn || udt == "geometry" || udt == "geography" {
			continue
		}
		types[name] = fieldTypeForUdt(udt)
	}
	if err := rows.Err(); err != nil {
		return cfg, fmt.Errorf("postgis: introspect columns of %s.%s: %w", cfg.Schema, cfg.Table, err)
	}
	if !sawAny {
		return cfg, fmt.Errorf("postgis: table %s.%s does not exist", cfg.Schema, cfg.Table)
	}

	if len(cfg.Columns) == 0 {
		cfg.Columns = make([]string, 0, len(types))
		for name := range types {
			cfg.Columns = append(cfg.Columns, name)
		}
		sort.Strings(cfg.Columns)
	}

	cfg.Fields = make(map[string]string, len(cfg.Columns))
	for _, name := range cfg.Columns {
		t, ok := types[name]
		if !ok {
			return cfg, fmt.Errorf("postgis: configured column %q not found in %s.%s", name, cfg.Schema, cfg.Table)
		}
		cfg.Fields[name] = t
	}
	return cfg, nil
}

// fieldTypeForUdt maps a PostgreSQL udt_name to the TileJSON vector-layer
// field type vocabulary (Number, Boolean, String).
func fieldTypeForUdt(udt string) string {
	switch udt {
	case "int2", "int4", "int8", "float4", "float8", "numeric":
		return "Number"
	case "bool":
		return "Boolean"
	default:
		return "String"
	}
}
