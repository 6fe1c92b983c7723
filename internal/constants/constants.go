// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultDBPath          = "hymnsync.db"
	DefaultPDFDir          = "./pdf_files"
	DefaultSupabaseURL     = "http://127.0.0.1:54321"
	DefaultBucket          = "hymn"
	DefaultBlobPrefix      = "pdf/"
	DefaultBatchSize       = 5
	DefaultConcurrency     = 5
	DefaultRetryCount      = 3
	DefaultRetryBase       = 5 * time.Second
	DefaultBatchPause      = 2 * time.Second
	DefaultTokenRefresh    = 30 * time.Minute
	DefaultRequestInterval = 50 * time.Millisecond
	DefaultHTTPTimeout     = 60 * time.Second
	DefaultSampleLimit     = 10
	MaxRunHistory          = 20
)

// Work identity modes
const (
	WorkIdentityTitle        = "title"
	WorkIdentityTitleCreator = "title_creator"
)

// Remote collections
const (
	CollectionCreators       = "authors"
	CollectionWorks          = "hymns"
	CollectionCreatorLinks   = "hymn_authors"
	CollectionCategories     = "categories"
	CollectionCategoryLinks  = "hymn_categories"
	CollectionArtifactRecord = "pdf_files"
)

// Collections reports every remote table the engine writes to, in dependency order.
var Collections = []string{
	CollectionCreators,
	CollectionWorks,
	CollectionCreatorLinks,
	CollectionArtifactRecord,
	CollectionCategories,
	CollectionCategoryLinks,
}

// Placeholder content for newly created rows
const (
	DefaultCreatorName = "Unknown"
	DefaultCategory    = "Uncategorized"
	CreatorBiography   = "Author of hymns"
	LyricsTemplate     = "Lyrics for %s"
	CategoryTemplate   = "Category for %s"
)

// MIME Types
const (
	MimeTypePDF  = "application/pdf"
	MimeTypeJSON = "application/json"
)

// File Extensions
const (
	ExtPDF = ".pdf"
)

// File Permissions
const (
	DirPermissions  = 0755
	FilePermissions = 0644
)

// Filename delimiter between title words and the creator
const FilenameDelimiter = "_"
