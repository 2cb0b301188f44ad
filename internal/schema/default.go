package schema

// DefaultName is the name the built-in schema is registered under.
const DefaultName = "default"

var hourlyColumns = []Column{
	{"temperature", "REAL"},
	{"dewpoint", "REAL"},
	{"cloud", "REAL"},
	{"windSpeed", "REAL"},
	{"windDirection", "REAL"},
	{"rainHour", "REAL"},
	{"condition", "TEXT"},
}

var dailyColumns = []Column{
	{"high", "REAL"},
	{"low", "REAL"},
	{"wind", "REAL"},
	{"rain", "REAL"},
}

func defaultDefs() []TableDef {
	uniqueTime := Column{"DateTime", "TEXT NOT NULL UNIQUE PRIMARY KEY"}
	keyedTime := Column{"DateTime", "TEXT NOT NULL"}
	model := Column{ModelColumn, "TEXT NOT NULL"}
	compositeKey := Column{PrimaryKey, "(DateTime, Model)"}

	join := func(head []Column, rest ...[]Column) []Column {
		out := append([]Column(nil), head...)
		for _, r := range rest {
			out = append(out, r...)
		}
		return out
	}

	return []TableDef{
		{Type: OBS, Columns: join([]Column{uniqueTime}, hourlyColumns)},
		{Type: HourlyForecast, Columns: join([]Column{keyedTime, model}, hourlyColumns, []Column{compositeKey})},
		{Type: Verif, Columns: join([]Column{uniqueTime}, dailyColumns)},
		{Type: DailyForecast, Columns: join([]Column{keyedTime, model}, dailyColumns, []Column{compositeKey})},
		{Type: Climo, Columns: join([]Column{uniqueTime}, dailyColumns)},
	}
}

// Default returns the built-in schema.
func Default() *Schema {
	s, err := New(DefaultName, defaultDefs())
	if err != nil {
		panic("schema: default schema is invalid: " + err.Error())
	}
	return s
}
