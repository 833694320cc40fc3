// Command seeddb populates the database with sample identities,
// conversations and messages for demos and manual testing. It drives the
// regular service stack, so everything it creates obeys the same rules as
// production traffic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	_ "github.com/campuslive/chat/server/db/mongodb"
	"github.com/campuslive/chat/server/directory"
	"github.com/campuslive/chat/server/groups"
	"github.com/campuslive/chat/server/live"
	"github.com/campuslive/chat/server/messaging"
	"github.com/campuslive/chat/server/store"
	"github.com/campuslive/chat/server/store/types"
	jcr "github.com/tinode/jsonco"
)

type configType struct {
	StoreConfig json.RawMessage `json:"store_config"`
}

type seedUser struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

type seedGroup struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Owner       string   `json:"owner"`
	Members     []string `json:"members"`
	Moderators  []string `json:"moderators"`
}

type seedMessage struct {
	// Either a group title or a "direct" pair.
	Group  string   `json:"group,omitempty"`
	Direct []string `json:"direct,omitempty"`
	From   string   `json:"from"`
	Body   string   `json:"body"`
}

type seedData struct {
	Users    []seedUser    `json:"users"`
	Groups   []seedGroup   `json:"groups"`
	Messages []seedMessage `json:"messages"`
}

func main() {
	confFile := flag.String("config", "./campuslive.conf", "Path to config file.")
	dataFile := flag.String("data", "./seeddb/data.json", "Path to sample data file.")
	flag.Parse()

	var config configType
	decodeCommentedJSON(*confFile, &config)

	var data seedData
	decodeCommentedJSON(*dataFile, &data)

	if err := store.Open(1, config.StoreConfig); err != nil {
		log.Fatalln("failed to connect to store:", err)
	}
	defer store.Close()

	ctx := context.Background()
	subs := live.NewManager()
	defer subs.Shutdown()
	dir := directory.NewService(nil)
	grp := groups.NewDirectory(dir, subs)
	eng := messaging.NewEngine(dir, grp, subs)

	for _, u := range data.Users {
		user := &types.Identity{
			Id:          u.Id,
			DisplayName: u.Name,
			Role:        types.ParseRole(u.Role),
			Department:  u.Department,
		}
		if err := store.Users.Create(ctx, user); err != nil {
			log.Fatalf("failed to create user %s: %v", u.Id, err)
		}
	}
	log.Printf("created %d users", len(data.Users))

	convs := make(map[string]string, len(data.Groups))
	for _, g := range data.Groups {
		owner, err := dir.Get(ctx, g.Owner)
		if err != nil {
			log.Fatalf("group %q: unknown owner %s: %v", g.Title, g.Owner, err)
		}
		conv, err := grp.Create(ctx, owner, groups.CreateSpec{
			Title:       g.Title,
			Description: g.Description,
			Members:     g.Members,
			Moderators:  g.Moderators,
		})
		if err != nil {
			log.Fatalf("failed to create group %q: %v", g.Title, err)
		}
		convs[g.Title] = conv.Id
	}
	log.Printf("created %d groups", len(data.Groups))

	for i, m := range data.Messages {
		convId := convs[m.Group]
		if len(m.Direct) == 2 {
			conv, err := eng.GetOrCreateDirect(ctx, m.Direct[0], m.Direct[1])
			if err != nil {
				log.Fatalf("message %d: direct %v: %v", i, m.Direct, err)
			}
			convId = conv.Id
		}
		if convId == "" {
			log.Fatalf("message %d references unknown group %q", i, m.Group)
		}
		if _, err := eng.Send(ctx, convId, m.From, m.Body); err != nil {
			log.Fatalf("message %d from %s: %v", i, m.From, err)
		}
	}
	log.Printf("created %d messages", len(data.Messages))
}

func decodeCommentedJSON(path string, v any) {
	file, err := os.Open(path)
	if err != nil {
		log.Fatalln("failed to read", path, ":", err)
	}
	defer file.Close()

	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(v); err != nil {
		if jerr, ok := err.(*json.SyntaxError); ok {
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			log.Fatalf("syntax error in %s at %d:%d: %s", path, lnum, cnum, jerr.Error())
		}
		log.Fatalf("failed to parse %s: %v", path, err)
	}
}
