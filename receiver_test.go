package main

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_receiver(t *testing.T) {
	dir := t.TempDir()

	collector, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer collector.Close()

	lines := make(chan string, 100)
	go func() {
		conn, err := collector.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	list := filepath.Join(dir, "domains.txt")
	require.Nil(t, os.WriteFile(list, []byte("example.com\n"), 0644))

	c := defaultConfig()
	c.Input.TCP.Enable = true
	c.Input.TCP.Listen = "127.0.0.1:0"
	c.Filter.QnameList = list
	c.Stats.DBPath = filepath.Join(dir, "streams.db")
	c.Output.TCP.Enable = true
	c.Output.TCP.Address = collector.Addr().String()
	require.Nil(t, c.validate())

	r, err := newReceiver(c)
	require.Nil(t, err)
	r.start()

	conn, err := net.Dial("tcp", r.listeners[0].addr().String())
	require.Nil(t, err)

	clientHandshake(t, conn)
	clientSend(t, conn,
		queryPayload(t, "ns1", "www.example.com."),
		queryPayload(t, "ns1", "www.example.org."),
		queryPayload(t, "ns2", "example.com."),
	)
	clientStop(t, conn)
	conn.Close()

	for i := 0; i < 2; i++ {
		select {
		case line := <-lines:
			assert.Contains(t, line, "example.com. A")
		case <-time.After(5 * time.Second):
			t.Fatal("no record received")
		}
	}

	ss := r.st.snapshot()
	assert.Equal(t, uint64(3), ss.Records)
	assert.Equal(t, uint64(1), ss.Filtered)
	assert.Equal(t, 2, ss.Streams)

	// reload swaps the list in place
	require.Nil(t, os.WriteFile(list, []byte("example.org\nexample.net\n"), 0644))
	assert.Nil(t, r.reloadDomains())
	assert.Equal(t, 2, r.domains.count())

	r.logStats()
	r.stop()

	db, err := newStreamDB(c.Stats.DBPath)
	require.Nil(t, err)
	defer db.close()

	es, err := db.fetchAll()
	assert.Nil(t, err)
	require.Len(t, es, 2)
	assert.Equal(t, "ns1", es[0].Identity)
	assert.Equal(t, uint64(2), es[0].Queries)
}

func Test_receiverRestoresStreams(t *testing.T) {
	f := filepath.Join(t.TempDir(), "streams.db")

	db, err := newStreamDB(f)
	require.Nil(t, err)
	require.Nil(t, db.saveAll([]streamEntry{{Identity: "ns9", Queries: 42, LastSeen: time.Now()}}))
	require.Nil(t, db.close())

	c := defaultConfig()
	c.Input.Unix.Enable = true
	c.Input.Unix.Path = filepath.Join(t.TempDir(), "dnstap.sock")
	c.Stats.DBPath = f
	require.Nil(t, c.validate())

	r, err := newReceiver(c)
	require.Nil(t, err)
	r.start()

	e, ok := r.streams.get("ns9")
	assert.True(t, ok)
	assert.Equal(t, uint64(42), e.Queries)

	r.stop()

	_, err = os.Stat(c.Input.Unix.Path)
	assert.True(t, os.IsNotExist(err))
}

func Test_receiverBadSink(t *testing.T) {
	c := defaultConfig()
	c.Input.TCP.Enable = true
	c.Input.TCP.Listen = "127.0.0.1:0"
	c.Output.Metrics.Enable = true
	c.Output.Metrics.Listen = "127.0.0.1:99999"
	require.Nil(t, c.validate())

	_, err := newReceiver(c)
	assert.NotNil(t, err)
}
