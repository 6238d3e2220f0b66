// Package core implements the import pipeline on top of parsed tables.
//
// # Pipeline
//
// An import moves through independent, explicitly called stages:
//
//	tabular.Parse      bytes -> RawTable
//	SuggestMapping     headers -> ColumnMapping
//	ValidateMapping    ColumnMapping -> []MappingIssue
//	ValidateRows       RawTable + mapping -> []ValidatedRow
//	PlanImport         validated rows + store state -> ImportPlan
//	Execute            plan -> ImportReport (dry run or commit)
//
// None of the stages keep state between calls. Callers that need to carry
// work across requests (the HTTP wizard, for example) hold an ImportSession
// value and pass it back in.
//
// # Typed Values
//
// Cells are coerced into Value, a small tagged union over the schema field
// kinds. Records, plans and reports all carry Values so nothing downstream
// of validation deals with raw strings again.
//
// # Commit Semantics
//
// A commit applies every create and update in one store transaction. The
// transaction is bound to a caller-supplied timeout; any store error,
// cancellation or timeout rolls the whole batch back and every row that
// would have been written is reported as failed. Stores serialize
// transactions per entity type, so two imports into the same entity never
// interleave.
//
// # Export
//
// Serialize renders stored records as CSV, XLSX or JSONL in schema field
// order using the same canonical text forms that validation accepts, so an
// export can be fed straight back into an import.
package core
