package main

import (
	"errors"
	"log"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
)

type Options struct {
	Config string `short:"c" long:"config" default:"robot.json" description:"Robot configuration file"`
	DB     string `long:"db" default:"servobot.db" env:"SERVOBOT_DB" description:"Action group library (SQLite)"`

	Run    RunCommand    `command:"run" description:"Run the attitude and balance loops with the action scheduler"`
	Play   PlayCommand   `command:"play" description:"Play one action group and exit"`
	Groups GroupsCommand `command:"groups" alias:"ls" description:"List the action group library"`
	Record RecordCommand `command:"record" description:"Record an action group by moving a leader arm"`
	Setup  SetupCommand  `command:"setup" description:"Find the servo bus and calibrate the arm"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	log.SetPrefix("[SERVOBOT] ")
	log.SetFlags(log.Ltime)
	parser.LongDescription = "servobot - action playback, recording and balance control for servo robots"

	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		os.Exit(fault.CodeOf(err).ExitCode())
	}
}

func configPath() string {
	if opts.Config == "" {
		return robot.DefaultConfigFile
	}
	return opts.Config
}
