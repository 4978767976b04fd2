package shed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"

	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/resolver"
)

type repositoryElement struct {
	ToolShed                  string `xml:"toolshed,attr"`
	Name                      string `xml:"name,attr"`
	Owner                     string `xml:"owner,attr"`
	ChangesetRevision         string `xml:"changeset_revision,attr"`
	PriorInstallationRequired string `xml:"prior_installation_required,attr"`
}

func (e repositoryElement) dependency() RepositoryDependency {
	return RepositoryDependency{
		ToolShed:                  strings.TrimSpace(e.ToolShed),
		Owner:                     strings.TrimSpace(e.Owner),
		Name:                      strings.TrimSpace(e.Name),
		ChangesetRevision:         strings.TrimSpace(e.ChangesetRevision),
		PriorInstallationRequired: cast.ToBool(strings.TrimSpace(e.PriorInstallationRequired)),
	}
}

type repositoriesDocument struct {
	XMLName      xml.Name            `xml:"repositories"`
	Description  string              `xml:"description,attr"`
	Repositories []repositoryElement `xml:"repository"`
}

type packageElement struct {
	Name         string              `xml:"name,attr"`
	Version      string              `xml:"version,attr"`
	Repositories []repositoryElement `xml:"repository"`
}

type toolDependencyDocument struct {
	XMLName  xml.Name         `xml:"tool_dependency"`
	Packages []packageElement `xml:"package"`
}

// ParseRepositoryDependencies reads a repository_dependencies.xml document.
func ParseRepositoryDependencies(data []byte) ([]RepositoryDependency, error) {
	var doc repositoriesDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Invalidf("%s is not valid XML: %v", RepositoryDependenciesFile, err)
	}

	deps := make([]RepositoryDependency, 0, len(doc.Repositories))
	for _, e := range doc.Repositories {
		deps = append(deps, e.dependency())
	}
	return deps, nil
}

// ParseToolDependencies reads a tool_dependencies.xml document. Every
// <repository> inside a <package> becomes a complex dependency carrying the
// package's identity; a package without one is a plain tool dependency.
func ParseToolDependencies(data []byte) ([]ToolDependency, error) {
	var doc toolDependencyDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Invalidf("%s is not valid XML: %v", ToolDependenciesFile, err)
	}

	var tds []ToolDependency
	for _, p := range doc.Packages {
		if p.Name == "" {
			return nil, errs.Invalidf("%s declares a package without a name", ToolDependenciesFile)
		}
		if len(p.Repositories) == 0 {
			tds = append(tds, ToolDependency{Name: p.Name, Version: p.Version, Type: "package"})
			continue
		}
		for _, e := range p.Repositories {
			dep := e.dependency()
			dep.Package = &resolver.Package{Name: p.Name, Version: p.Version}
			tds = append(tds, ToolDependency{
				Name:       p.Name,
				Version:    p.Version,
				Type:       "package",
				Repository: &dep,
			})
		}
	}
	return tds, nil
}

type toolElement struct {
	XMLName      xml.Name `xml:"tool"`
	ID           string   `xml:"id,attr"`
	Name         string   `xml:"name,attr"`
	Version      string   `xml:"version,attr"`
	Description  string   `xml:"description"`
	Requirements []struct {
		Type    string `xml:"type,attr"`
		Version string `xml:"version,attr"`
		Name    string `xml:",chardata"`
	} `xml:"requirements>requirement"`
}

// rootElement returns the name of the first element of an XML document.
func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// ParseTool reads a tool config. It returns nil without error when the
// document is XML but not a tool.
func ParseTool(data []byte) (*Tool, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, fmt.Errorf("invalid XML: %w", err)
	}
	if root != "tool" {
		return nil, nil
	}

	var te toolElement
	if err := xml.Unmarshal(data, &te); err != nil {
		return nil, fmt.Errorf("invalid XML: %w", err)
	}
	if strings.TrimSpace(te.ID) == "" {
		return nil, fmt.Errorf("missing required id attribute on tool element")
	}

	t := &Tool{
		ID:          strings.TrimSpace(te.ID),
		Name:        te.Name,
		Version:     strings.TrimSpace(te.Version),
		Description: strings.TrimSpace(te.Description),
	}
	if t.Version == "" {
		t.Version = "1.0.0"
	}
	for _, r := range te.Requirements {
		typ := r.Type
		if typ == "" {
			typ = "package"
		}
		t.Requirements = append(t.Requirements, Requirement{
			Name:    strings.TrimSpace(r.Name),
			Version: r.Version,
			Type:    typ,
		})
	}
	return t, nil
}

// fillFunc completes the attributes of one <repository> element and reports
// whether it changed anything.
type fillFunc func(attrs []xml.Attr) ([]xml.Attr, bool)

// rewriteRepositoryElements passes every <repository> start element of a
// dependency document through fill. The document is returned unchanged when
// fill changed nothing.
func rewriteRepositoryElements(data []byte, fill fillFunc) ([]byte, bool, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	changed := false
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, errs.Invalidf("invalid XML: %v", err)
		}

		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "repository" {
			attrs, c := fill(se.Attr)
			if c {
				se.Attr = attrs
				changed = true
			}
			tok = se
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return nil, false, fmt.Errorf("failed to rewrite document: %w", err)
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, false, err
	}

	if !changed {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

func attrValue(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func setAttr(attrs []xml.Attr, name, value string) []xml.Attr {
	for i, a := range attrs {
		if a.Name.Local == name {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}
