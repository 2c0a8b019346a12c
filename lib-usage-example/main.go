package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/loader"
	"github.com/sw33tLie/plancache/pkg/planapi"
	"github.com/sw33tLie/plancache/pkg/storage"
	"github.com/sw33tLie/plancache/pkg/whttp"
)

func main() {
	// Usage: go run *.go -api "https://{school}.example.org/api/v1" -school 10000000 -date 2024-03-11

	apiFlag := flag.String("api", "", "Plan API base, {school} is replaced by the school number")
	schoolFlag := flag.String("school", "", "School number")
	dateFlag := flag.String("date", "", "Date to load (YYYY-MM-DD)")
	dbFlag := flag.String("db", "plans.sqlite", "Cache database")

	// Parse the command-line flags
	flag.Parse()

	if *apiFlag == "" || *schoolFlag == "" || *dateFlag == "" {
		fmt.Println("-api, -school and -date are required.")
		return
	}

	hc, err := whttp.NewClient(whttp.Options{})
	if err != nil {
		fmt.Println(err)
		return
	}
	api := planapi.NewClient(hc)

	// The cache is optional: a store that fails to open only disables it.
	var store storage.Store
	db, err := storage.Open(*dbFlag)
	if err != nil {
		store = storage.Unavailable(err)
	} else {
		defer db.Close()
		store = db
	}

	l := loader.New(loader.Config{
		APIBase: *apiFlag,
		Cache:   cache.New(cache.Config{Store: store}),
		Fetcher: api,
		Ports: loader.Ports{
			LoadingState: func(flag loader.Flag, value bool) {
				fmt.Println(flag, value)
			},
			PlanData: func(p json.RawMessage) {
				fmt.Println(string(p))
			},
		},
	})

	// Without a calendar from the meta endpoint nothing is loaded, so trust
	// the requested date here.
	l.Load(context.Background(), loader.Request{
		SchoolID:     *schoolFlag,
		Date:         *dateFlag,
		EnabledDates: []string{*dateFlag},
	}).Wait()

	fmt.Println("version:", l.Version())
}
