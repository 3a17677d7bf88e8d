package selector

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config declares one connector. It is loaded from the `connectors` list of
// the service configuration.
type Config struct {
	Name                   string            `mapstructure:"name"`
	Hosts                  []string          `mapstructure:"hosts"`
	Language               string            `mapstructure:"language"`
	Headers                map[string]string `mapstructure:"headers"`
	DelayBetweenChapters   time.Duration     `mapstructure:"delay_between_chapters"`
	Selectors              Selectors         `mapstructure:"selectors"`
	MetaLabels             MetaLabels        `mapstructure:"meta_labels"`
	SlugPattern            string            `mapstructure:"slug_pattern"`
	RangeURLTemplate       string            `mapstructure:"range_url_template"`
	ChapterListURLTemplate string            `mapstructure:"chapter_list_url_template"`
	ChapterNumberPattern   string            `mapstructure:"chapter_number_pattern"`
	ExcludeLinks           []string          `mapstructure:"exclude_links"`
	Cleanup                Cleanup           `mapstructure:"cleanup"`
}

// Selectors are CSS selectors evaluated with goquery.
type Selectors struct {
	Title       string `mapstructure:"title"`
	Author      string `mapstructure:"author"`
	Description string `mapstructure:"description"`
	Cover       string `mapstructure:"cover"`
	// MetaItems matches labelled rows such as "Author: ..." or "Genre: ...".
	MetaItems string `mapstructure:"meta_items"`
	// ChapterList is tried in order; the first selector with matches wins.
	ChapterList []string `mapstructure:"chapter_list"`
	// ChapterNumber is evaluated inside each chapter-list element.
	ChapterNumber  string `mapstructure:"chapter_number"`
	ChapterTitle   string `mapstructure:"chapter_title"`
	ChapterContent string `mapstructure:"chapter_content"`
}

// MetaLabels are the prefixes recognised inside MetaItems rows.
type MetaLabels struct {
	Author   string `mapstructure:"author"`
	Category string `mapstructure:"category"`
	Status   string `mapstructure:"status"`
}

// Cleanup removes boilerplate from chapter documents before sanitizing.
type Cleanup struct {
	// Root defaults to Selectors.ChapterContent.
	Root      string   `mapstructure:"root"`
	Selectors []string `mapstructure:"selectors"`
	// Phrases drop any paragraph whose text contains one of them.
	Phrases []string `mapstructure:"phrases"`
	// Exact drops paragraphs whose trimmed text equals one of them.
	Exact []string `mapstructure:"exact"`
}

func (c Cleanup) enabled() bool {
	return len(c.Selectors) > 0 || len(c.Phrases) > 0 || len(c.Exact) > 0
}

const defaultChapterNumberPattern = `(?i)chapter\s+(\d+)`

var defaultMetaLabels = MetaLabels{
	Author:   "Author:",
	Category: "Genre:",
	Status:   "Status:",
}

// Validate checks required fields and compiles patterns.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("connector name is required")
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("connector %s: at least one host is required", c.Name)
	}
	if c.Selectors.ChapterContent == "" {
		return fmt.Errorf("connector %s: selectors.chapter_content is required", c.Name)
	}
	if c.DelayBetweenChapters < 0 {
		return fmt.Errorf("connector %s: delay_between_chapters must be >= 0", c.Name)
	}
	for _, p := range []string{c.SlugPattern, c.ChapterNumberPattern} {
		if p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("connector %s: invalid pattern %q: %w", c.Name, p, err)
		}
	}
	return nil
}
