package indexer

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Caps captures the parsed capability and category data from a torznab
// caps response.
type Caps struct {
	Capabilities    []string
	SupportedParams map[string][]string
	Categories      []Category
}

type Category struct {
	ID     int
	Name   string
	Parent int
}

func (c Caps) Supports(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// SupportsParam reports whether the search mode advertises the given
// request parameter.
func (c Caps) SupportsParam(mode, param string) bool {
	for _, have := range c.SupportedParams[mode] {
		if have == param {
			return true
		}
	}
	return false
}

type capsResponse struct {
	XMLName    xml.Name           `xml:"caps"`
	Searching  capsSearching      `xml:"searching"`
	Categories []capsCategoryNode `xml:"categories>category"`
}

type capsSearching struct {
	Search      capsSearchNode `xml:"search"`
	TVSearch    capsSearchNode `xml:"tv-search"`
	MovieSearch capsSearchNode `xml:"movie-search"`
}

type capsSearchNode struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
}

type capsCategoryNode struct {
	ID      string           `xml:"id,attr"`
	Name    string           `xml:"name,attr"`
	Subcats []capsSubcatNode `xml:"subcat"`
}

type capsSubcatNode struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

func parseCaps(r io.Reader) (*Caps, error) {
	var resp capsResponse
	if err := xml.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode caps response: %w", err)
	}

	caps := &Caps{SupportedParams: map[string][]string{}}
	appendMode := func(mode string, node capsSearchNode) {
		if !capsAvailable(node.Available) {
			return
		}
		caps.Capabilities = append(caps.Capabilities, mode)
		for _, p := range strings.Split(node.SupportedParams, ",") {
			if p = strings.TrimSpace(p); p != "" {
				caps.SupportedParams[mode] = append(caps.SupportedParams[mode], p)
			}
		}
	}
	appendMode("search", resp.Searching.Search)
	appendMode("tv-search", resp.Searching.TVSearch)
	appendMode("movie-search", resp.Searching.MovieSearch)

	for _, cat := range resp.Categories {
		parentID, err := strconv.Atoi(strings.TrimSpace(cat.ID))
		if err != nil {
			continue
		}
		caps.Categories = append(caps.Categories, Category{
			ID:   parentID,
			Name: strings.TrimSpace(cat.Name),
		})
		for _, sub := range cat.Subcats {
			subID, err := strconv.Atoi(strings.TrimSpace(sub.ID))
			if err != nil {
				continue
			}
			caps.Categories = append(caps.Categories, Category{
				ID:     subID,
				Name:   strings.TrimSpace(sub.Name),
				Parent: parentID,
			})
		}
	}

	return caps, nil
}

func capsAvailable(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "1":
		return true
	}
	return false
}
