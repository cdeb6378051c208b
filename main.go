package main

import "github.com/vbeppler/cnpj-etl/cmd"

func main() { cmd.Execute() }
