package v1

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/go-pg/migrations/v8"

	"github.com/adzialocha/graph-node/model"
	"github.com/adzialocha/graph-node/schemas"
)

const MajorVersion = 1

func init() {
	schemas.RegisterSchema(MajorVersion)
}

// GetBase renders the base schema for the given configuration.
func GetBase(cfg schemas.Config) (string, error) {
	return render(baseTemplate, cfg)
}

// GetPatches returns the migrations that are applied on top of the base schema.
func GetPatches(cfg schemas.Config) (*migrations.Collection, error) {
	return patches.Collection(cfg)
}

// Version returns the latest version of this major schema.
func Version() model.Version {
	return model.Version{
		Major: MajorVersion,
		Patch: len(patches.pm),
	}
}

var baseTemplate = template.Must(template.New("base").Funcs(schemas.TemplateFuncs).Parse(BaseTemplate))

var patches = patchList{pm: map[int]*template.Template{}}

type patchList struct {
	pm map[int]*template.Template
}

// Register adds a patch to the patch list. This should be called in an init function.
func (pl *patchList) Register(seq int, text string) {
	if seq <= 0 {
		panic(fmt.Sprintf("invalid patch number: %d", seq))
	}
	if _, exists := pl.pm[seq]; exists {
		panic(fmt.Sprintf("duplicate patch registered: %d", seq))
	}

	tmpl, err := template.New(fmt.Sprintf("patch%d", seq)).Funcs(schemas.TemplateFuncs).Parse(text)
	if err != nil {
		panic(fmt.Sprintf("parse patch template %d: %v", seq, err))
	}
	pl.pm[seq] = tmpl
}

// Collection renders the patches into a migration collection. Patches must be numbered from 1 without gaps.
func (pl *patchList) Collection(cfg schemas.Config) (*migrations.Collection, error) {
	count := len(pl.pm)
	migs := make([]*migrations.Migration, 0, count)
	for i := 1; i <= count; i++ {
		tmpl, exists := pl.pm[i]
		if !exists {
			return nil, fmt.Errorf("missing patch %d", i)
		}

		sql, err := render(tmpl, cfg)
		if err != nil {
			return nil, err
		}

		migs = append(migs, &migrations.Migration{
			Version: int64(i),
			UpTx:    true,
			Up: func(db migrations.DB) error {
				_, err := db.Exec(sql)
				return err
			},
		})
	}

	coll := migrations.NewCollection(migs...)
	coll.SetTableName(cfg.SchemaName + ".gopg_migrations")
	return coll, nil
}

func render(tmpl *template.Template, cfg schemas.Config) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("execute %s template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
