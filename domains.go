package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/armon/go-radix"
)

var (
	reDomain = regexp.MustCompile(`^([a-z0-9_]+(-[a-z0-9_]+)*\.)*[a-z0-9]+(-[a-z0-9]+)*$`)
)

func domainNormalize(d string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
}

func domainReverse(d string) (dr string) {
	e := strings.Split(d, ".")
	for i := 0; i < len(e)/2; i++ {
		j := len(e) - i - 1
		e[i], e[j] = e[j], e[i]
	}

	return strings.Join(e, ".")
}

// domainList matches qnames equal to or below any of the loaded domains
type domainList struct {
	t *radix.Tree
	sync.RWMutex
}

func (d *domainList) has(qname string) (ok bool) {
	dr := domainReverse(domainNormalize(qname))

	d.RLock()
	defer d.RUnlock()

	// keys are reversed domains, so a match must end on a label boundary
	d.t.WalkPath(dr, func(k string, _ interface{}) bool {
		ok = len(k) == len(dr) || dr[len(k)] == '.'
		return ok
	})

	return
}

func (d *domainList) loadFile(path string) (i, s int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to open file: %w", err)
	}
	defer f.Close()

	domains := []string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		dm := domainNormalize(sc.Text())
		if dm == "" || strings.HasPrefix(dm, "#") {
			continue
		}

		if !reDomain.MatchString(dm) {
			s++
			continue
		}

		domains = append(domains, dm)
	}

	if err = sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("unable to read file: %w", err)
	}

	i, ss, err := d.loadList(domains)
	return i, s + ss, err
}

func (d *domainList) loadList(domains []string) (i, s int, err error) {
	t := radix.New()

	for _, dm := range domains {
		if _, ok := t.Get(domainReverse(dm)); ok {
			s++
			continue
		}

		t.Insert(domainReverse(dm), true)
		i++
	}

	if t.Len() == 0 {
		return 0, 0, fmt.Errorf("no domains loaded (%d skipped)", s)
	}

	d.Lock()
	d.t = t
	d.Unlock()
	return
}

func (d *domainList) count() int {
	d.RLock()
	defer d.RUnlock()
	return d.t.Len()
}

func newDomainList() (d *domainList) {
	d = &domainList{
		t: radix.New(),
	}

	return
}
