package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/servobot/pkg/robot"
)

// Raw positions per revolution of an STS servo; 2048 is centered.
const (
	stepsPerTurn = 4096
	centerStep   = 2048
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var errSetupAborted = errors.New("setup aborted")

type SetupCommand struct {
	Port string `long:"port" description:"Serial port of the arm (skips scanning)"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Servobot Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━"))
	fmt.Println()

	port := c.Port
	if port == "" {
		var err error
		if port, err = scanForArm(); err != nil {
			return err
		}
	}

	cfg := &robot.Config{}
	if robot.ConfigExistsAt(configPath()) {
		existing, err := robot.LoadConfigFrom(configPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = existing
	}
	cfg.Port = port

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Arm ━━━"))
	fmt.Println()
	cal, err := calibrateArm(port)
	if err != nil {
		return err
	}
	cfg.Calibration = cal

	if err := cfg.SaveTo(configPath()); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", configPath())
	fmt.Println()
	fmt.Println("Try a group with: " + headerStyle.Render("servobot play <group>"))
	return nil
}

func scanForArm() (string, error) {
	fmt.Println("Scanning for robot arms...")
	fmt.Println()

	arms := findArms()
	if len(arms) == 0 {
		return "", fmt.Errorf("no SO-101 arm found, make sure it is connected and powered on")
	}
	if len(arms) == 1 {
		arms[0].bus.Close()
		fmt.Println(successStyle.Render("Arm found on " + arms[0].port))
		return arms[0].port, nil
	}

	fmt.Printf("Found %d arms. Let's identify the one to drive...\n\n", len(arms))
	var port string
	for i, arm := range arms {
		if port != "" {
			arm.bus.Close()
			continue
		}
		use, err := identifyArmWithWiggle(arm)
		if err != nil {
			for _, rest := range arms[i+1:] {
				rest.bus.Close()
			}
			return "", err
		}
		if use {
			port = arm.port
		}
	}
	if port == "" {
		return "", fmt.Errorf("no arm selected")
	}
	return port, nil
}

func calibrateArm(port string) (robot.Calibration, error) {
	fmt.Printf("Calibrating arm on %s\n", port)
	fmt.Println()

	bus, servos, err := connectToArm(port)
	if err != nil {
		return nil, fmt.Errorf("connect to arm: %w", err)
	}
	defer bus.Close()

	servoMap := make(map[int]*feetech.Servo)
	for _, s := range servos {
		servoMap[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}

	// Torque off so the arm can be moved by hand
	ctx := context.Background()
	for _, servo := range servoMap {
		servo.Disable(ctx)
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println("Explore the full range of motion for all joints.")
	fmt.Println()

	ids := robot.SO101Servos()
	m := newCalibrationModel(ids, servoMap)
	for i, id := range ids {
		pos, _ := servoMap[i+1].Position(ctx)
		m.cur[id], m.lo[id], m.hi[id] = pos, pos, pos
	}

	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return nil, fmt.Errorf("run calibration: %w", err)
	}
	cm := final.(calibrationModel)
	if cm.aborted {
		return nil, errSetupAborted
	}

	cal := make(robot.Calibration, len(ids))
	for i, id := range ids {
		cal[id] = robot.ServoCalibration{
			ID:       i + 1,
			RangeMin: cm.lo[id],
			RangeMax: cm.hi[id],
			MinAngle: stepToAngle(cm.lo[id]),
			MaxAngle: stepToAngle(cm.hi[id]),
		}
	}
	fmt.Println()
	fmt.Println("Arm calibrated.")
	return cal, nil
}

// stepToAngle converts a raw position to degrees from center.
func stepToAngle(step int) float64 {
	return float64(step-centerStep) * 360 / stepsPerTurn
}

type armInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

func openBus(port string) (*feetech.Bus, error) {
	return feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
}

func findArms() []armInfo {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var arms []armInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}
		bus, err := openBus(port)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := bus.Scan(ctx, 1, len(robot.SO101Servos()))
		cancel()
		if err != nil || !isSOArm(servos) {
			bus.Close()
			continue
		}
		fmt.Printf("  Found SO-101 arm on %s\n", port)
		arms = append(arms, armInfo{port: port, servos: servos, bus: bus})
	}
	return arms
}

// isSOArm reports whether servos are exactly the SO-101 bus IDs 1-6.
func isSOArm(servos []feetech.FoundServo) bool {
	n := len(robot.SO101Servos())
	if len(servos) != n {
		return false
	}
	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= n; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

func identifyArmWithWiggle(arm armInfo) (bool, error) {
	defer arm.bus.Close()
	ctx := context.Background()

	// Bus ID 1 is shoulder_pan
	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return false, nil
	}

	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return false, nil
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return false, nil
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", arm.port)
	const wiggleAmount, moveTimeMs = 30, 500
	for _, pos := range []int{originalPos + wiggleAmount, originalPos - wiggleAmount, originalPos} {
		servo.SetPositionWithTime(ctx, pos, moveTimeMs)
		time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	}
	servo.Disable(ctx)

	var use bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[bool]().
				Title(fmt.Sprintf("Drive the arm on %s?", arm.port)).
				Description("The arm that just wiggled").
				Options(
					huh.NewOption("Yes, this is the robot", true),
					huh.NewOption("Skip this arm", false),
				).
				Value(&use),
		),
	)
	if err := form.Run(); err != nil {
		return false, errSetupAborted
	}
	return use, nil
}

func connectToArm(port string) (*feetech.Bus, []feetech.FoundServo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus, err := openBus(port)
	if err != nil {
		return nil, nil, err
	}
	servos, err := bus.Scan(ctx, 1, len(robot.SO101Servos()))
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	if !isSOArm(servos) {
		bus.Close()
		return nil, nil, fmt.Errorf("not an SO-101 arm (expected 6 servos with IDs 1-6)")
	}
	return bus, servos, nil
}

// calibrationModel tracks the raw range of every servo while the arm is
// moved by hand.
type calibrationModel struct {
	ids      []robot.ServoID
	servoMap map[int]*feetech.Servo
	cur      map[robot.ServoID]int
	lo       map[robot.ServoID]int
	hi       map[robot.ServoID]int
	quitting bool
	aborted  bool
}

type tickMsg time.Time

func newCalibrationModel(ids []robot.ServoID, servoMap map[int]*feetech.Servo) calibrationModel {
	return calibrationModel{
		ids:      ids,
		servoMap: servoMap,
		cur:      make(map[robot.ServoID]int),
		lo:       make(map[robot.ServoID]int),
		hi:       make(map[robot.ServoID]int),
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.quitting = true
			return m, tea.Quit
		case "q", "ctrl+c":
			m.quitting = true
			m.aborted = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for i, id := range m.ids {
			pos, err := m.servoMap[i+1].Position(ctx)
			if err != nil {
				continue
			}
			m.cur[id] = pos
			m.lo[id] = min(m.lo[id], pos)
			m.hi[id] = max(m.hi[id], pos)
		}
		return m, tick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	currentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	rangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	rangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.ids))
	ranges := make([]int, 0, len(m.ids))
	for _, id := range m.ids {
		size := m.hi[id] - m.lo[id]
		ranges = append(ranges, size)
		rows = append(rows, []string{
			string(id),
			fmt.Sprintf("%d", m.cur[id]),
			fmt.Sprintf("%d", m.lo[id]),
			fmt.Sprintf("%d", m.hi[id]),
			fmt.Sprintf("%.0f°", stepToAngle(m.hi[id])-stepToAngle(m.lo[id])),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Servo", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableNameStyle
			case 1:
				return currentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return rangeGoodStyle
				}
				return rangeLowStyle
			default:
				return tableCellStyle
			}
		})

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done, q to abort"))
	return sb.String()
}
