package main

import "regexp"

// filter decides whether a record goes on to the sinks. It keeps no state between calls.
type filter struct {
	identities *regexp.Regexp
	qname      *regexp.Regexp
	domains    *domainList
}

func newFilter(c *filterCfg, domains *domainList) *filter {
	return &filter{
		identities: c.identities,
		qname:      c.qname,
		domains:    domains,
	}
}

func (f *filter) match(r *record) bool {
	if f.identities != nil && !f.identities.MatchString(r.Identity) {
		return false
	}

	if f.qname != nil && !f.qname.MatchString(r.QueryName) {
		return false
	}

	if f.domains != nil && !f.domains.has(r.QueryName) {
		return false
	}

	return true
}
