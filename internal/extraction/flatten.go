package extraction

// FlatRecord is one output row: a document's fields merged with one of its
// line items, tagged with the file it came from.
type FlatRecord struct {
	Source string
	Fields map[string]any
}

// Get returns the value for a canonical column, or the sentinel when the
// record lacks it
func (r FlatRecord) Get(column string) any {
	if column == ColumnSource {
		return r.Source
	}
	v, ok := r.Fields[column]
	if !ok || isAbsent(v) {
		return Sentinel
	}
	return v
}

// Values returns the record aligned to Columns with missing cells filled
func (r FlatRecord) Values() []any {
	values := make([]any, len(Columns))
	for i, c := range Columns {
		values[i] = r.Get(c)
	}
	return values
}

// Strings returns Values rendered as display text
func (r FlatRecord) Strings() []string {
	out := make([]string, len(Columns))
	for i, v := range r.Values() {
		out[i] = FormatValue(v)
	}
	return out
}

// Flatten expands a parsed reply into one record per line item, preserving
// the reply's item order. A reply without items still yields one record
// carrying the document-level fields.
func Flatten(documentName string, parsed *Result) []FlatRecord {
	if parsed == nil {
		parsed = &Result{}
	}

	if len(parsed.Items) == 0 {
		return []FlatRecord{{Source: documentName, Fields: merge(parsed.Fields, nil)}}
	}

	records := make([]FlatRecord, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		records = append(records, FlatRecord{
			Source: documentName,
			Fields: merge(parsed.Fields, item),
		})
	}
	return records
}

// merge copies document fields then item fields; item values win
func merge(document, item map[string]any) map[string]any {
	fields := make(map[string]any, len(document)+len(item))
	for k, v := range document {
		fields[k] = v
	}
	for k, v := range item {
		// A null on the item must not hide a document-level value
		if isAbsent(v) {
			if _, ok := fields[k]; ok {
				continue
			}
		}
		fields[k] = v
	}
	delete(fields, ColumnSource)
	return fields
}
