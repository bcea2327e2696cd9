package types

// Surface classifies the structural role of a chunk of text within a
// parsed document.
type Surface string

const (
	SurfaceTitle     Surface = "title"
	SurfaceHeading   Surface = "heading"
	SurfaceParagraph Surface = "paragraph"
	SurfaceTableRow  Surface = "table_row"
	SurfaceCaption   Surface = "caption"
	SurfaceListItem  Surface = "list_item"
	SurfaceKV        Surface = "kv"
)

// Document is one parsed, indexed document owned by the Evidence Index.
type Document struct {
	DocID           string `json:"doc_id"`
	SourceID        string `json:"source_id"`
	ContentHash     string `json:"content_hash"`
	ParserVersion   string `json:"parser_version"`
	ChunkerVersion  string `json:"chunker_version"`
	ParsedOK        bool   `json:"parsed_ok"`
	IndexedAtUnixMS int64  `json:"indexed_at"`
}

// Chunk is one addressable span of text inside a document, identified by a
// deterministic snippet ID.
type Chunk struct {
	SnippetID   string  `json:"snippet_id"`
	DocID       string  `json:"doc_id"`
	Text        string  `json:"text"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	TextHash    string  `json:"text_hash"`
	Surface     Surface `json:"surface"`
}

// Fact is a normalized key/value pair extracted from a table or structured
// block, linked back to the chunk it came from.
type Fact struct {
	FactID         string `json:"fact_id"`
	DocID          string `json:"doc_id"`
	TableID        string `json:"table_id,omitempty"`
	RowID          string `json:"row_id,omitempty"`
	RawKey         string `json:"raw_key"`
	RawValue       string `json:"raw_value"`
	NormalizedKey  string `json:"normalized_key"`
	NormalizedValue string `json:"normalized_value"`
	UnitHint       string `json:"unit_hint,omitempty"`
	SnippetID      string `json:"snippet_id"`
}

// ReuseMode describes whether an indexed document was brand new, or an
// already-known content hash was reused.
type ReuseMode string

const (
	ReuseIdentical ReuseMode = "identical"
	ReuseUpdated   ReuseMode = "updated"
)

// Method is the extraction technique that produced an evidence unit.
type Method string

const (
	MethodHTMLSpecTable         Method = "html_spec_table"
	MethodEmbeddedJSON          Method = "embedded_json"
	MethodStructuredMetadata    Method = "structured_metadata"
	MethodArticleText           Method = "article_text"
	MethodPDFText               Method = "pdf_text"
	MethodPDFOCR                Method = "pdf_ocr"
	MethodImageOCR               Method = "image_ocr"
	MethodAdapter                Method = "adapter"
	MethodLLMExtract             Method = "llm_extract"
	MethodDeterministicNormalizer Method = "deterministic_normalizer"
)

// UnknownReason enumerates why an extractor could not produce a value, or
// why an evidence unit was rejected.
type UnknownReason string

const (
	ReasonMissingEvidence  UnknownReason = "missing_evidence"
	ReasonConflict         UnknownReason = "conflict"
	ReasonIdentityUncertain UnknownReason = "identity_uncertain"
	ReasonBlockedByPolicy  UnknownReason = "blocked_by_policy"
)

// EvidenceUnit is one extractor-produced candidate for a field's value,
// owned by the Consensus Engine until accepted or rejected.
type EvidenceUnit struct {
	SnippetID           string        `json:"snippet_id"`
	SourceID            string        `json:"source_id"`
	FieldKey            string        `json:"field_key"`
	CandidateValue      string        `json:"candidate_value"`
	Method              Method        `json:"method"`
	Tier                Tier          `json:"tier"`
	SourceIdentityMatch IdentityMatchLevel `json:"source_identity_match"`
	TargetMatchPassed   bool          `json:"target_match_passed"`
	UnknownReason       UnknownReason `json:"unknown_reason,omitempty"`
	PageProductClusterID string       `json:"page_product_cluster_id,omitempty"`
	RejectReason        string        `json:"reject_reason,omitempty"`
}
