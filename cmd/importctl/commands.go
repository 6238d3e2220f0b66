package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/JonMunkholm/dataimport/internal/core"
	"github.com/JonMunkholm/dataimport/internal/schema"
	"github.com/JonMunkholm/dataimport/internal/tabular"
)

// =============================================================================
// import
// =============================================================================

type importCommand struct {
	env *environment

	Entity         string            `short:"e" long:"entity" required:"true" description:"Target entity type"`
	Strategy       string            `short:"s" long:"strategy" default:"create-only" choice:"create-only" choice:"overwrite" choice:"merge" choice:"skip-duplicates" description:"How rows whose key already exists are handled"`
	DryRun         bool              `short:"n" long:"dry-run" description:"Plan the import without writing anything"`
	Format         string            `long:"format" description:"File format, csv or xlsx (default: from the file extension)"`
	Delimiter      string            `short:"d" long:"delimiter" default:"," description:"CSV delimiter: a character or comma, semicolon, tab, pipe"`
	Encoding       string            `long:"encoding" default:"utf-8" description:"CSV text encoding"`
	NoHeader       bool              `long:"no-header" description:"The CSV has no header row"`
	KeepEmptyLines bool              `long:"keep-empty-lines" description:"Keep blank CSV lines as rows"`
	Map            map[string]string `short:"m" long:"map" value-name:"COLUMN:FIELD" description:"Bind a column (header or #position) to a field, '-' to ignore it; repeatable"`
	Template       string            `short:"t" long:"template" description:"Apply the saved mapping template with this name"`
	SaveTemplate   string            `long:"save-template" value-name:"NAME" description:"Save the final mapping as a template"`
	Report         string            `short:"o" long:"report" value-name:"FILE" description:"Write the JSON import report to FILE ('-' for stdout)"`
	Verbose        bool              `short:"v" long:"verbose" description:"List every row issue"`

	Args struct {
		File string `positional-arg-name:"FILE" required:"yes"`
	} `positional-args:"yes"`
}

func (c *importCommand) csvConfig() (*tabular.CSVConfig, error) {
	d, err := tabular.ParseDelimiter(c.Delimiter)
	if err != nil {
		return nil, err
	}
	return &tabular.CSVConfig{
		Delimiter:      d,
		Encoding:       c.Encoding,
		Header:         !c.NoHeader,
		SkipEmptyLines: !c.KeepEmptyLines,
	}, nil
}

func (c *importCommand) Execute([]string) error {
	env := c.env
	ctx := env.ctx

	strategy, err := core.ParseStrategy(c.Strategy)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.Args.File)
	if err != nil {
		return err
	}

	req := core.OpenRequest{
		EntityType: c.Entity,
		FileName:   filepath.Base(c.Args.File),
		Data:       data,
	}
	if c.Format != "" {
		if req.Format, err = tabular.ParseFormat(c.Format); err != nil {
			return err
		}
	}
	if req.CSV, err = c.csvConfig(); err != nil {
		return err
	}

	svc, closeStore, err := env.service()
	if err != nil {
		return err
	}
	defer closeStore()

	sess, _, err := svc.Open(ctx, req)
	if err != nil {
		return err
	}
	env.log.Info("file parsed", "file", req.FileName, "rows", len(sess.Table.Rows), "columns", len(sess.Table.Headers))

	if err := c.remap(svc, sess); err != nil {
		return err
	}

	issues, err := svc.MappingIssues(sess)
	if err != nil {
		return err
	}
	for _, i := range issues {
		if !i.Blocking {
			fmt.Fprintf(env.stdout, "mapping: %s\n", i.Message)
		}
	}

	if c.SaveTemplate != "" {
		if err := c.saveTemplate(sess); err != nil {
			return err
		}
	}

	report, err := svc.Import(ctx, sess, strategy, c.DryRun)
	if report == nil {
		return err
	}

	c.printReport(report)
	if c.Report != "" {
		out, jerr := json.MarshalIndent(report, "", "  ")
		if jerr != nil {
			return jerr
		}
		if werr := env.writeOutput(c.Report, append(out, '\n')); werr != nil {
			return werr
		}
	}
	return err
}

// remap applies the named template and then the --map overrides.
func (c *importCommand) remap(svc *core.Service, sess *core.ImportSession) error {
	m := sess.Mapping
	changed := false

	if c.Template != "" {
		t, err := c.findTemplate(sess.EntityType)
		if err != nil {
			return err
		}
		m = t.Apply(sess.Table.Headers)
		changed = true
	}
	if len(c.Map) > 0 {
		var err error
		if m, err = core.ApplyOverrides(m, sess.Table.Headers, c.Map); err != nil {
			return err
		}
		changed = true
	}

	if !changed {
		return nil
	}
	_, err := svc.Remap(sess, m)
	return err
}

func (c *importCommand) findTemplate(entityType string) (core.MappingTemplate, error) {
	sessions, closeSessions, err := c.env.openSessions()
	if err != nil {
		return core.MappingTemplate{}, err
	}
	defer closeSessions()

	templates, err := sessions.Templates(c.env.ctx, entityType)
	if err != nil {
		return core.MappingTemplate{}, err
	}
	for _, t := range templates {
		if strings.EqualFold(t.Name, c.Template) {
			return t, nil
		}
	}
	return core.MappingTemplate{}, fmt.Errorf("no mapping template named %q for %s", c.Template, entityType)
}

func (c *importCommand) saveTemplate(sess *core.ImportSession) error {
	t, err := core.NewMappingTemplate(sess.EntityType, c.SaveTemplate, sess.Table.Headers, sess.Mapping)
	if err != nil {
		return err
	}

	sessions, closeSessions, err := c.env.openSessions()
	if err != nil {
		return err
	}
	defer closeSessions()

	if err := sessions.SaveTemplate(c.env.ctx, t); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	c.env.log.Info("mapping template saved", "name", t.Name, "id", t.ID)
	return nil
}

func (c *importCommand) printReport(r *core.ImportReport) {
	out := c.env.stdout
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "%s%s: %d rows, %d created, %d updated, %d skipped, %d conflicted, %d failed\n",
		r.EntityType, mode, r.TotalRows, r.Created, r.Updated, r.Skipped, r.Conflicted, r.Failed)
	fmt.Fprintf(out, "validation: %d valid, %d warning, %d invalid\n",
		r.Validation.Valid, r.Validation.Warning, r.Validation.Invalid)
	if r.Error != "" {
		fmt.Fprintf(out, "error: %s\n", r.Error)
	}

	if !c.Verbose {
		return
	}
	for _, row := range r.Rows {
		for _, i := range row.Issues {
			field := i.Field
			if field == "" {
				field = "row"
			}
			fmt.Fprintf(out, "line %d: %s: %s\n", row.Line, field, i.Message)
		}
		if row.Outcome == core.OutcomeConflicted {
			fmt.Fprintf(out, "line %d: %s\n", row.Line, row.Reason)
		}
	}
}

// =============================================================================
// export
// =============================================================================

type exportCommand struct {
	env *environment

	Entity string            `short:"e" long:"entity" required:"true" description:"Entity type to export"`
	Format string            `short:"f" long:"format" default:"csv" choice:"csv" choice:"xlsx" choice:"jsonl" description:"Output format"`
	Where  map[string]string `short:"w" long:"where" value-name:"FIELD:VALUE" description:"Only export records whose field equals value; repeatable"`
	Output string            `short:"o" long:"output" default:"-" value-name:"FILE" description:"Output file ('-' for stdout)"`
}

func (c *exportCommand) Execute([]string) error {
	format, err := core.ParseExportFormat(c.Format)
	if err != nil {
		return err
	}

	svc, closeStore, err := c.env.service()
	if err != nil {
		return err
	}
	defer closeStore()

	data, err := svc.Export(c.env.ctx, c.Entity, format, c.Where)
	if err != nil {
		return err
	}
	return c.env.writeOutput(c.Output, data)
}

// =============================================================================
// schemas and template
// =============================================================================

type schemasCommand struct {
	env *environment

	Args struct {
		Entity string `positional-arg-name:"ENTITY"`
	} `positional-args:"yes"`
}

func (c *schemasCommand) Execute([]string) error {
	registry, err := schema.Default()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.env.stdout, 0, 0, 2, ' ', 0)
	if c.Args.Entity == "" {
		fmt.Fprintln(tw, "ENTITY\tLABEL\tFIELDS\tKEY")
		for _, es := range registry.All() {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", es.EntityType, es.Label, len(es.Fields), strings.Join(keyNames(es), ","))
		}
		return tw.Flush()
	}

	es, err := registry.Get(c.Args.Entity)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "FIELD\tKIND\tREQUIRED\tKEY\tCONSTRAINTS\tALIASES")
	for _, f := range es.Fields {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Name, f.Kind, yesNo(f.Required), yesNo(f.IsKey), constraints(f), strings.Join(f.Aliases, ","))
	}
	return tw.Flush()
}

func keyNames(es *schema.EntitySchema) []string {
	var names []string
	for _, f := range es.KeyFields() {
		names = append(names, f.Name)
	}
	return names
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func constraints(f schema.FieldSpec) string {
	var parts []string
	if f.Min != nil {
		parts = append(parts, fmt.Sprintf("min=%g", *f.Min))
	}
	if f.Max != nil {
		parts = append(parts, fmt.Sprintf("max=%g", *f.Max))
	}
	if len(f.EnumValues) > 0 {
		parts = append(parts, "one of "+strings.Join(f.EnumValues, "|"))
	}
	return strings.Join(parts, " ")
}

type templateCommand struct {
	env *environment

	Entity string `short:"e" long:"entity" required:"true" description:"Entity type"`
	Output string `short:"o" long:"output" default:"-" value-name:"FILE" description:"Output file ('-' for stdout)"`
}

func (c *templateCommand) Execute([]string) error {
	registry, err := schema.Default()
	if err != nil {
		return err
	}
	es, err := registry.Get(c.Entity)
	if err != nil {
		return err
	}

	data, err := core.TemplateCSV(es)
	if err != nil {
		return err
	}
	return c.env.writeOutput(c.Output, data)
}

// =============================================================================
// mappings
// =============================================================================

type mappingsCommand struct {
	env *environment

	Entity string `short:"e" long:"entity" required:"true" description:"Entity type"`
	Delete string `long:"delete" value-name:"ID" description:"Delete the template with this ID"`
}

func (c *mappingsCommand) Execute([]string) error {
	sessions, closeSessions, err := c.env.openSessions()
	if err != nil {
		return err
	}
	defer closeSessions()

	ctx := c.env.ctx
	if c.Delete != "" {
		if err := sessions.DeleteTemplate(ctx, c.Entity, c.Delete); err != nil {
			return fmt.Errorf("delete %s: %w", c.Delete, err)
		}
		fmt.Fprintf(c.env.stdout, "deleted %s\n", c.Delete)
		return nil
	}

	templates, err := sessions.Templates(ctx, c.Entity)
	if err != nil {
		return err
	}
	if len(templates) == 0 {
		return errors.New("no mapping templates saved for " + c.Entity)
	}

	tw := tabwriter.NewWriter(c.env.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHEADERS\tCREATED")
	for _, t := range templates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Name, strings.Join(t.Headers, ","), t.CreatedAt.Format("2006-01-02"))
	}
	return tw.Flush()
}
