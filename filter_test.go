package main

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_filterQname(t *testing.T) {
	f := newFilter(&filterCfg{qname: regexp.MustCompile(`^example\.`)}, nil)

	assert.True(t, f.match(&record{Identity: "ns1", QueryName: "example.com."}))
	assert.False(t, f.match(&record{Identity: "ns1", QueryName: "other.org."}))
	assert.False(t, f.match(&record{Identity: "ns1", QueryName: unknown}))
}

func Test_filterIdentity(t *testing.T) {
	f := newFilter(&filterCfg{identities: regexp.MustCompile(`^(ns1|ns2)$`)}, nil)

	assert.True(t, f.match(&record{Identity: "ns2", QueryName: "a."}))
	assert.False(t, f.match(&record{Identity: "ns3", QueryName: "a."}))
	assert.False(t, f.match(&record{Identity: unknown, QueryName: "a."}))
}

func Test_filterDomains(t *testing.T) {
	dl := newDomainList()
	_, _, err := dl.loadList([]string{"example.com"})
	assert.Nil(t, err)

	f := newFilter(&filterCfg{identities: regexp.MustCompile(`^ns`)}, dl)

	assert.True(t, f.match(&record{Identity: "ns1", QueryName: "www.example.com."}))
	assert.False(t, f.match(&record{Identity: "ns1", QueryName: "www.example.net."}))
	assert.False(t, f.match(&record{Identity: "dns", QueryName: "www.example.com."}))
}

func Test_filterEmpty(t *testing.T) {
	f := newFilter(&filterCfg{}, nil)

	assert.True(t, f.match(&record{}))
	assert.True(t, f.match(&record{Identity: unknown, QueryName: unknown}))
}
