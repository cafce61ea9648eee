package storage

import (
	"fmt"
	"strings"

	"stocksync/internal/models"
)

// tableSpec declares one table's shape once, at compile time. The column
// list is the upsert whitelist: frame columns outside it are dropped.
type tableSpec struct {
	name      string
	dataType  string
	pk        []string
	dateCol   string
	columns   []string
	overwrite bool
}

var stockListSpec = tableSpec{
	name:      "sys_stock_list",
	dataType:  "stock_list",
	pk:        []string{"ts_code"},
	dateCol:   "list_date",
	columns:   []string{"ts_code", "symbol", "name", "area", "industry", "market", "list_date"},
	overwrite: true,
}

var dailySpec = tableSpec{
	name:     "daily_data",
	dataType: "daily",
	pk:       []string{"ts_code", "trade_date"},
	dateCol:  "trade_date",
	columns: []string{
		"ts_code", "trade_date", "open", "high", "low", "close",
		"pre_close", "change", "pct_chg", "vol", "amount",
	},
}

var fundamentalSpec = tableSpec{
	name:     "fundamental_data",
	dataType: "daily_basic",
	pk:       []string{"ts_code", "trade_date"},
	dateCol:  "trade_date",
	columns: []string{
		"ts_code", "trade_date", "close", "turnover_rate", "turnover_rate_f",
		"volume_ratio", "pe", "pe_ttm", "pb", "ps", "ps_ttm", "dv_ratio",
		"dv_ttm", "total_share", "float_share", "free_share", "total_mv", "circ_mv",
	},
}

var financialSpec = tableSpec{
	name:     "financial_data",
	dataType: "financials",
	pk:       []string{"ts_code", "ann_date", "end_date"},
	dateCol:  "ann_date",
	columns: []string{
		"ts_code", "ann_date", "end_date", "report_type",
		// income statement
		"revenue", "oper_cost", "total_profit", "n_income", "n_income_attr_p",
		"basic_eps", "diluted_eps",
		// balance sheet
		"total_assets", "total_liab", "total_cur_assets", "total_cur_liab",
		"total_hldr_eqy_inc_min_int",
		// cash flow
		"n_cashflow_act", "n_cashflow_inv_act", "n_cash_flows_fnc_act",
		"free_cashflow",
	},
}

var businessSpecs = []tableSpec{dailySpec, fundamentalSpec, financialSpec}

// specForDataType resolves the consumer's accumulation key to a table.
// financials_income etc. all map to financial_data.
func specForDataType(dataType string) (tableSpec, error) {
	switch {
	case dataType == stockListSpec.dataType:
		return stockListSpec, nil
	case dataType == dailySpec.dataType:
		return dailySpec, nil
	case dataType == fundamentalSpec.dataType:
		return fundamentalSpec, nil
	case dataType == financialSpec.dataType,
		strings.HasPrefix(dataType, financialSpec.dataType+"_"):
		return financialSpec, nil
	}
	return tableSpec{}, fmt.Errorf("no table for data type %q", dataType)
}

// intersect selects the frame columns present in the table, preserving the
// table's column order, and requires the full primary key to be supplied.
func (s tableSpec) intersect(frame *models.Frame) (cols []string, idxs []int, err error) {
	for _, col := range s.columns {
		if i := frame.ColumnIndex(col); i >= 0 {
			cols = append(cols, col)
			idxs = append(idxs, i)
		}
	}
	for _, key := range s.pk {
		if frame.ColumnIndex(key) < 0 {
			return nil, nil, fmt.Errorf("frame for %s is missing key column %s", s.name, key)
		}
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("frame shares no columns with %s", s.name)
	}
	return cols, idxs, nil
}

func (s tableSpec) insertSQL(cols []string) string {
	all := append(append([]string{}, cols...), "created_at", "updated_at")
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(all)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.name, strings.Join(quoteAll(all), ", "), placeholders)
}

// upsertSQL merges on PK conflict: every supplied non-key column takes the
// excluded value, updated_at advances, created_at keeps its original stamp.
func (s tableSpec) upsertSQL(cols []string) string {
	isKey := make(map[string]bool, len(s.pk))
	for _, k := range s.pk {
		isKey[k] = true
	}
	var sets []string
	for _, col := range cols {
		if !isKey[col] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(col), quote(col)))
		}
	}
	sets = append(sets, "updated_at = excluded.updated_at")
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		s.insertSQL(cols), strings.Join(s.pk, ", "), strings.Join(sets, ", "))
}

// quote shields column names that collide with SQL keywords (change, open,
// close).
func quote(col string) string {
	return `"` + col + `"`
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quote(c)
	}
	return out
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS sys_stock_list (
		ts_code    VARCHAR NOT NULL,
		symbol     VARCHAR,
		name       VARCHAR,
		area       VARCHAR,
		industry   VARCHAR,
		market     VARCHAR,
		list_date  VARCHAR,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		PRIMARY KEY (ts_code)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_data (
		ts_code    VARCHAR NOT NULL,
		trade_date VARCHAR NOT NULL,
		"open"     DOUBLE,
		high       DOUBLE,
		low        DOUBLE,
		"close"    DOUBLE,
		pre_close  DOUBLE,
		"change"   DOUBLE,
		pct_chg    DOUBLE,
		vol        DOUBLE,
		amount     DOUBLE,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		PRIMARY KEY (ts_code, trade_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_daily_symbol_date ON daily_data (ts_code, trade_date)`,
	`CREATE TABLE IF NOT EXISTS fundamental_data (
		ts_code         VARCHAR NOT NULL,
		trade_date      VARCHAR NOT NULL,
		"close"         DOUBLE,
		turnover_rate   DOUBLE,
		turnover_rate_f DOUBLE,
		volume_ratio    DOUBLE,
		pe              DOUBLE,
		pe_ttm          DOUBLE,
		pb              DOUBLE,
		ps              DOUBLE,
		ps_ttm          DOUBLE,
		dv_ratio        DOUBLE,
		dv_ttm          DOUBLE,
		total_share     DOUBLE,
		float_share     DOUBLE,
		free_share      DOUBLE,
		total_mv        DOUBLE,
		circ_mv         DOUBLE,
		created_at      TIMESTAMP,
		updated_at      TIMESTAMP,
		PRIMARY KEY (ts_code, trade_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fundamental_symbol_date ON fundamental_data (ts_code, trade_date)`,
	`CREATE TABLE IF NOT EXISTS financial_data (
		ts_code                    VARCHAR NOT NULL,
		ann_date                   VARCHAR NOT NULL,
		end_date                   VARCHAR NOT NULL,
		report_type                VARCHAR,
		revenue                    DOUBLE,
		oper_cost                  DOUBLE,
		total_profit               DOUBLE,
		n_income                   DOUBLE,
		n_income_attr_p            DOUBLE,
		basic_eps                  DOUBLE,
		diluted_eps                DOUBLE,
		total_assets               DOUBLE,
		total_liab                 DOUBLE,
		total_cur_assets           DOUBLE,
		total_cur_liab             DOUBLE,
		total_hldr_eqy_inc_min_int DOUBLE,
		n_cashflow_act             DOUBLE,
		n_cashflow_inv_act         DOUBLE,
		n_cash_flows_fnc_act       DOUBLE,
		free_cashflow              DOUBLE,
		created_at                 TIMESTAMP,
		updated_at                 TIMESTAMP,
		PRIMARY KEY (ts_code, ann_date, end_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_financial_symbol_ann ON financial_data (ts_code, ann_date)`,
}
