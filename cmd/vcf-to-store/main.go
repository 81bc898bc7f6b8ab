// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
vcf-to-store reads a VCF file and writes its variation records to a
columnar, chunked, disk-backed variation store.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/variation/chunkpipeline"
	"github.com/grailbio/variation/variationstore/diskstore"
	"github.com/grailbio/variation/vcfparse"
)

type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

var (
	outDir         = flag.String("o", "", "Output store directory")
	keptFields     repeatedFlag
	ignoredFields  repeatedFlag
	ignoreAlt      = flag.Bool("ignore-alt", false, "Skip variants with more ALT alleles than -alt-gt-num")
	altGTNum       = flag.Int("alt-gt-num", 0, "Maximum number of ALT alleles a variant may have when -ignore-alt is set")
	chunkSize      = flag.Int("chunk-size", 2000, "Number of variation rows per store chunk")
	preReadMaxSize = flag.Int("pre-read-max-size", vcfparse.DefaultPreReadMaxSize, "Byte budget for the pre-read field-width discovery cache")
	numWorkers     = flag.Int("workers", 0, "Number of parser worker goroutines; 0 runs single-threaded")
	strict         = flag.Bool("strict", false, "Fail ingest if any field's declared width is exceeded")
)

func init() {
	flag.Var(&keptFields, "kept-fields", "Field path to keep (repeatable); default is all fields")
	flag.Var(&ignoredFields, "ignored-fields", "Field path to drop (repeatable); mutually exclusive with -kept-fields")
}

func usage() {
	fmt.Printf("Usage: %s [OPTIONS] input.vcf[.gz] -o outdir\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 || *outDir == "" {
		log.Fatalf("exactly one input path and -o outdir are required; please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	inPath := flag.Arg(0)

	ctx := vcontext.Background()
	f, err := os.Open(inPath)
	if err != nil {
		log.Fatalf("opening %s: %v", inPath, err)
	}
	defer f.Close()

	opts := []vcfparse.Option{
		vcfparse.OptPreReadMaxSize(*preReadMaxSize),
		vcfparse.OptKeptFields(keptFields),
		vcfparse.OptIgnoredFields(ignoredFields),
	}
	if *ignoreAlt {
		if *altGTNum <= 0 {
			log.Fatalf("-alt-gt-num is required when -ignore-alt is set")
		}
		opts = append(opts, vcfparse.OptIgnoreExcessAlt(*altGTNum))
	}
	if *numWorkers > 0 {
		opts = append(opts, vcfparse.OptWorkers(*numWorkers, *chunkSize))
	}

	reader, err := vcfparse.Open(f, vcfparse.IsGzipPath(inPath), opts...)
	if err != nil {
		log.Fatalf("parsing %s: %v", inPath, err)
	}

	store := diskstore.New(*outDir)
	summary, err := chunkpipeline.Ingest(ctx, reader, store, chunkpipeline.Options{
		ChunkSize: *chunkSize,
		Strict:    *strict,
	})
	if err != nil {
		log.Fatalf("ingesting %s: %v", inPath, err)
	}
	if err := store.Finish(ctx); err != nil {
		log.Fatalf("finishing %s: %v", *outDir, err)
	}

	log.Printf("wrote %d variations to %s", summary.NumVariations, *outDir)
	for field, n := range summary.DataNoFit {
		if n > 0 {
			log.Printf("field %s: %d rows truncated to declared width", field, n)
		}
	}
}
