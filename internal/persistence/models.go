package persistence

// Message is one turn in the rolling conversation record. The assistant
// turn keeps both the display text and the marker-annotated text; user
// turns may carry an image as a data URL.
type Message struct {
	Text            string `json:"text"`
	IsUser          bool   `json:"isUser"`
	TextWithMarkers string `json:"textWithMarkers,omitempty"`

	Image    string `json:"image,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileMime string `json:"fileMime,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	IsFile   bool   `json:"isFile,omitempty"`
}

// DerivedFields are the analytics columns of a conversation row. Nil
// pointers leave the stored value untouched (COALESCE on upsert), so a
// classification that fails or omits a field never erases earlier data.
type DerivedFields struct {
	Emne             *string
	Score            *string
	CustomerRating   *string
	LackingInfo      *bool
	BugStatus        *string
	PurchaseTracking *bool
	IsLivechat       *bool
	Fallback         *bool
	IsResolved       *bool
}
