// Package parser derives hymn identity from artifact file names.
//
// A file name has the shape [TAG_]Title_Words_Creator.pdf. Parsing never fails:
// names that do not follow the shape degrade to an "Unknown" creator, the
// whole stem as title and the "Uncategorized" category.
package parser

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/domain"
)

// CategoryRule maps a tag found in a file name to a category name.
type CategoryRule struct {
	Tag      string
	Category string
}

// CategoryRules is evaluated in order; the first tag contained in the stem wins.
var CategoryRules = []CategoryRule{
	{Tag: "TV", Category: "Thánh Vịnh"},
	{Tag: "TL", Category: "Thánh Lễ"},
	{Tag: "CN", Category: "Chúa Nhật"},
	{Tag: "MC", Category: "Mùa Chay"},
	{Tag: "PS", Category: "Phục Sinh"},
}

// Parse derives title, creator, category and blob object path from p.
func Parse(p string, blobPrefix string) domain.Artifact {
	fileName := filepath.Base(p)
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	tokens := strings.Split(stem, constants.FilenameDelimiter)

	creator := constants.DefaultCreatorName
	titleTokens := tokens
	if len(tokens) > 1 {
		creator = titleCase(tokens[len(tokens)-1])
		if creator == "" {
			creator = constants.DefaultCreatorName
		}
		titleTokens = tokens[:len(tokens)-1]
		if len(titleTokens) > 1 && isTag(titleTokens[0]) {
			titleTokens = titleTokens[1:]
		}
	}

	title := titleCase(strings.Join(titleTokens, " "))
	if title == "" {
		title = titleCase(stem)
	}

	return domain.Artifact{
		Path:       p,
		FileName:   fileName,
		Stem:       stem,
		Title:      title,
		Creator:    creator,
		Category:   Category(stem),
		ObjectPath: ObjectPath(blobPrefix, fileName),
	}
}

// Category returns the first matching rule's category for stem.
func Category(stem string) string {
	for _, rule := range CategoryRules {
		if strings.Contains(stem, rule.Tag) {
			return rule.Category
		}
	}
	return constants.DefaultCategory
}

// Categories lists every category name the parser can produce.
func Categories() []string {
	out := make([]string, 0, len(CategoryRules)+1)
	for _, rule := range CategoryRules {
		out = append(out, rule.Category)
	}
	return append(out, constants.DefaultCategory)
}

// ObjectPath is the deterministic blob location for a file name.
func ObjectPath(prefix, fileName string) string {
	return path.Join(strings.Trim(prefix, "/"), fileName)
}

func isTag(token string) bool {
	token = strings.TrimSpace(token)
	for _, rule := range CategoryRules {
		if token == rule.Tag {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return cases.Title(language.Und).String(s)
}
