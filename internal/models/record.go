package models

import "strings"

const facetTagType = "app.bsky.richtext.facet#tag"

// Record is the decoded payload of a commit. Each collection decodes to its own
// variant; collections without one decode to *Opaque, which exposes nothing.
type Record interface {
	Collection() string
	Text() string
	Tags() []string
	Reply() *ReplyRef
	HasEmbed() bool
}

// StrongRef points at a specific version of a record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef links a reply to its parent and thread root.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// FacetIndex is the byte range a facet annotates.
type FacetIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// FacetFeature is one annotation on a facet. Only tag features carry Tag.
type FacetFeature struct {
	Type string `json:"$type"`
	Tag  string `json:"tag,omitempty"`
	URI  string `json:"uri,omitempty"`
	DID  string `json:"did,omitempty"`
}

// Facet is a rich-text annotation.
type Facet struct {
	Index    FacetIndex     `json:"index"`
	Features []FacetFeature `json:"features"`
}

// Post is an app.bsky.feed.post record.
type Post struct {
	Type      string         `json:"$type"`
	Body      string         `json:"text"`
	CreatedAt string         `json:"createdAt"`
	Langs     []string       `json:"langs,omitempty"`
	Facets    []Facet        `json:"facets,omitempty"`
	ExtraTags []string       `json:"tags,omitempty"`
	ReplyTo   *ReplyRef      `json:"reply,omitempty"`
	Embed     map[string]any `json:"embed,omitempty"`
}

func (p *Post) Collection() string { return CollectionPost }
func (p *Post) Text() string       { return p.Body }
func (p *Post) Reply() *ReplyRef   { return p.ReplyTo }
func (p *Post) HasEmbed() bool     { return p.Embed != nil }

// Tags returns the facet tags followed by the record's own tags, as written.
func (p *Post) Tags() []string {
	var tags []string
	for _, facet := range p.Facets {
		for _, f := range facet.Features {
			if f.Type == facetTagType && f.Tag != "" {
				tags = append(tags, f.Tag)
			}
		}
	}
	for _, t := range p.ExtraTags {
		if strings.TrimSpace(t) != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Repost is an app.bsky.feed.repost record.
type Repost struct {
	Type      string    `json:"$type"`
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

func (r *Repost) Collection() string { return CollectionRepost }
func (r *Repost) Text() string       { return "" }
func (r *Repost) Tags() []string     { return nil }
func (r *Repost) Reply() *ReplyRef   { return nil }
func (r *Repost) HasEmbed() bool     { return false }

// Opaque stands in for records of collections no rule understands.
type Opaque struct {
	Type string
}

func (o *Opaque) Collection() string { return o.Type }
func (o *Opaque) Text() string       { return "" }
func (o *Opaque) Tags() []string     { return nil }
func (o *Opaque) Reply() *ReplyRef   { return nil }
func (o *Opaque) HasEmbed() bool     { return false }
