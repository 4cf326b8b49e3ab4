package schemas

import (
	"text/template"
)

var LatestMajor = 0

func RegisterSchema(major int) {
	if major > LatestMajor {
		LatestMajor = major
	}
}

type Config struct {
	SchemaName string // name of the postgresql schema in which any database objects should be created
}

// TemplateFuncs are available to schema and patch templates.
var TemplateFuncs = template.FuncMap{
	"default": func(def string, value string) string {
		if value == "" {
			return def
		}
		return value
	},
}
